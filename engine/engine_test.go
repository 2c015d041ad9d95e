package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/stevemurr/docgate/diff"
	"github.com/stevemurr/docgate/engine"
	"github.com/stevemurr/docgate/schema"
	"github.com/stevemurr/docgate/store"
)

// spyStore counts calls and can inject failures.
type spyStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	finds   int
	saves   int
	findErr error
	saveErr error
	listErr error
	delErr  error
}

func newSpyStore() *spyStore {
	return &spyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *spyStore) Save(ctx context.Context, c string, doc store.Document) (store.Document, error) {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Save(ctx, c, doc)
}

func (s *spyStore) FindByID(ctx context.Context, c, id string) (store.Document, error) {
	s.mu.Lock()
	s.finds++
	err := s.findErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.FindByID(ctx, c, id)
}

func (s *spyStore) FindAll(ctx context.Context, c string) iter.Seq2[store.Document, error] {
	if s.listErr != nil {
		return func(yield func(store.Document, error) bool) { yield(nil, s.listErr) }
	}
	return s.MemoryStore.FindAll(ctx, c)
}

func (s *spyStore) DeleteByID(ctx context.Context, c, id string) error {
	if s.delErr != nil {
		return s.delErr
	}
	return s.MemoryStore.DeleteByID(ctx, c, id)
}

type recorder struct {
	mu   sync.Mutex
	recs []engine.DiffRecord
}

func (r *recorder) RecordDiff(_ context.Context, rec engine.DiffRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) records() []engine.DiffRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.DiffRecord(nil), r.recs...)
}

func ann(age int) store.Document {
	return store.Document{"firstName": "Ann", "lastName": "Lee", "email": "ann@x.com", "age": age}
}

func setup(t *testing.T) (*engine.Engine, *spyStore, *recorder) {
	t.Helper()
	s := newSpyStore()
	rec := &recorder{}
	return engine.New(s, schema.NewStaticProvider(nil), rec, zap.NewNop()), s, rec
}

func TestUpsertRejectsInvalidWithoutTouchingStore(t *testing.T) {
	e, s, rec := setup(t)
	ctx := context.Background()

	for _, missing := range []string{"firstName", "lastName", "email"} {
		doc := ann(30)
		delete(doc, missing)
		_, err := e.UpsertByID(ctx, "users", "1", doc)

		var ve *engine.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.NotEmpty(t, ve.Violations)
		assert.Contains(t, strings.Join(ve.Violations, " "), missing)
	}

	bad := ann(30)
	bad["email"] = "nope"
	_, err := e.UpsertByID(ctx, "users", "1", bad)
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	assert.Zero(t, s.finds)
	assert.Zero(t, s.saves)
	assert.Empty(t, rec.records())
}

func TestUpsertReportsAllMissingFields(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.UpsertByID(context.Background(), "users", "2", store.Document{"firstName": "Bo"})

	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	joined := strings.Join(ve.Violations, " ")
	assert.Contains(t, joined, "lastName")
	assert.Contains(t, joined, "email")

	_, err = e.GetByID(context.Background(), "users", "2")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestUpsertCreateBranch(t *testing.T) {
	e, s, rec := setup(t)
	ctx := context.Background()

	saved, err := e.UpsertByID(ctx, "users", "1", ann(30))
	require.NoError(t, err)
	assert.Equal(t, "1", saved["_id"])
	assert.Equal(t, 1, s.finds)
	assert.Equal(t, 1, s.saves)
	assert.Empty(t, rec.records(), "no diff for a new document")

	got, err := e.GetByID(ctx, "users", "1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestUpsertUpdateBranchRecordsDiff(t *testing.T) {
	e, _, rec := setup(t)
	ctx := context.Background()

	_, err := e.UpsertByID(ctx, "users", "1", ann(30))
	require.NoError(t, err)
	_, err = e.UpsertByID(ctx, "users", "1", ann(31))
	require.NoError(t, err)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "users", recs[0].Collection)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, diff.Patch{{Op: diff.OpReplace, Path: "/age", Value: json.Number("31")}}, recs[0].Patch)
	assert.False(t, recs[0].At.IsZero())

	got, err := e.GetByID(ctx, "users", "1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("31"), got["age"])
}

func TestUpsertReplacesWholeDocument(t *testing.T) {
	e, _, rec := setup(t)
	ctx := context.Background()

	first := ann(30)
	first["nickname"] = "A"
	_, err := e.UpsertByID(ctx, "users", "1", first)
	require.NoError(t, err)

	second := ann(30)
	delete(second, "age")
	_, err = e.UpsertByID(ctx, "users", "1", second)
	require.NoError(t, err)

	got, err := e.GetByID(ctx, "users", "1")
	require.NoError(t, err)
	assert.NotContains(t, got, "nickname")
	assert.NotContains(t, got, "age")

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.ElementsMatch(t, diff.Patch{
		{Op: diff.OpRemove, Path: "/age"},
		{Op: diff.OpRemove, Path: "/nickname"},
	}, recs[0].Patch)
}

func TestUpsertPathIDWins(t *testing.T) {
	e, _, _ := setup(t)
	doc := ann(30)
	doc["_id"] = "from-body"

	saved, err := e.UpsertByID(context.Background(), "users", "from-path", doc)
	require.NoError(t, err)
	assert.Equal(t, "from-path", saved["_id"])
	assert.Equal(t, "from-body", doc["_id"], "caller document must not be mutated")

	_, err = e.GetByID(context.Background(), "users", "from-body")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestUpsertEmptyID(t *testing.T) {
	e, s, _ := setup(t)
	_, err := e.UpsertByID(context.Background(), "users", "", ann(30))
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, s.saves)
}

func TestUpsertStoreFaults(t *testing.T) {
	boom := errors.New("connection refused")
	ctx := context.Background()

	t.Run("find", func(t *testing.T) {
		e, s, _ := setup(t)
		s.findErr = boom
		_, err := e.UpsertByID(ctx, "users", "1", ann(30))

		var se *engine.StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "find", se.Op)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, s.saves, "no write after a failed read")
	})

	t.Run("save", func(t *testing.T) {
		e, s, _ := setup(t)
		s.saveErr = boom
		_, err := e.UpsertByID(ctx, "users", "1", ann(30))

		var se *engine.StoreError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "save", se.Op)
		assert.Equal(t, 1, s.saves, "faults are not retried")
	})
}

func TestDiffFaultDoesNotBlockWrite(t *testing.T) {
	s := newSpyStore()
	core, logs := observer.New(zap.WarnLevel)
	rec := &recorder{}
	e := engine.New(s, schema.ProviderFunc(func(string) *schema.Schema { return nil }), rec, zap.New(core))
	ctx := context.Background()

	_, err := e.UpsertByID(ctx, "things", "1", store.Document{"v": 1})
	require.NoError(t, err)

	// A channel cannot be encoded, so neither the diff nor the write can
	// succeed; the write must still be attempted.
	doc := store.Document{"v": 2, "bad": make(chan int)}
	_, err = e.UpsertByID(ctx, "things", "1", doc)
	var se *engine.StoreError
	require.ErrorAs(t, err, &se)

	recs := rec.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Patch)
	assert.Equal(t, 1, logs.FilterMessage("Could not compute diff").Len())
	assert.Equal(t, 2, s.saves, "the write was still attempted")
}

func TestPanickingSinkDoesNotBlockWrite(t *testing.T) {
	s := newSpyStore()
	core, logs := observer.New(zap.ErrorLevel)
	sink := engine.SinkFunc(func(context.Context, engine.DiffRecord) { panic("sink exploded") })
	e := engine.New(s, nil, sink, zap.New(core))
	ctx := context.Background()

	_, err := e.UpsertByID(ctx, "users", "1", ann(30))
	require.NoError(t, err)
	_, err = e.UpsertByID(ctx, "users", "1", ann(31))
	require.NoError(t, err)

	got, err := e.GetByID(ctx, "users", "1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("31"), got["age"])
	assert.Equal(t, 1, logs.FilterMessage("Diff sink panicked").Len())
}

func TestCreate(t *testing.T) {
	e, s, rec := setup(t)
	ctx := context.Background()

	saved, err := e.Create(ctx, "notes", store.Document{"text": "no schema here"})
	require.NoError(t, err)
	id := store.IDOf(saved)
	require.NotEmpty(t, id)
	assert.Zero(t, s.finds, "create does not read")
	assert.Empty(t, rec.records())

	got, err := e.GetByID(ctx, "notes", id)
	require.NoError(t, err)
	assert.Equal(t, "no schema here", got["text"])

	numeric, err := e.Create(ctx, "notes", store.Document{"_id": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, "42", numeric["_id"])

	blank, err := e.Create(ctx, "notes", store.Document{"_id": ""})
	require.NoError(t, err)
	assert.NotEmpty(t, blank["_id"])

	empty, err := e.Create(ctx, "notes", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, empty["_id"])
}

func TestGetByIDNotFound(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.GetByID(context.Background(), "users", "ghost")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()

	_, err := e.UpsertByID(ctx, "users", "1", ann(30))
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, e.DeleteByID(ctx, "users", "1"))
	}
	require.NoError(t, e.DeleteByID(ctx, "users", "never-existed"))

	_, err = e.GetByID(ctx, "users", "1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestDeleteFault(t *testing.T) {
	e, s, _ := setup(t)
	s.delErr = errors.New("timeout")
	var se *engine.StoreError
	assert.ErrorAs(t, e.DeleteByID(context.Background(), "users", "1"), &se)
}

func TestListAll(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()

	n := 0
	for _, err := range e.ListAll(ctx, "users") {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)

	want := []string{"a", "b", "c"}
	for _, id := range want {
		_, err := e.UpsertByID(ctx, "users", id, ann(30))
		require.NoError(t, err)
	}
	_, err := e.UpsertByID(ctx, "other", "z", ann(30))
	require.NoError(t, err)

	var got []string
	for doc, err := range e.ListAll(ctx, "users") {
		require.NoError(t, err)
		got = append(got, store.IDOf(doc))
	}
	sort.Strings(got)
	assert.Equal(t, want, got)

	names, err := e.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "users"}, names)
}

func TestListAllFault(t *testing.T) {
	e, s, _ := setup(t)
	s.listErr = errors.New("cursor lost")

	var errs []error
	for _, err := range e.ListAll(context.Background(), "users") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	var se *engine.StoreError
	assert.ErrorAs(t, errs[0], &se)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := engine.NewLogSink(zap.New(core))
	sink.RecordDiff(context.Background(), engine.DiffRecord{
		Collection: "users",
		ID:         "1",
		Patch:      diff.Patch{{Op: diff.OpReplace, Path: "/age", Value: 31}},
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "1", fields["id"])
	assert.Equal(t, `[{"op":"replace","path":"/age","value":31}]`, fields["diff"])
}

func TestEventSinkDeliversToSubscribers(t *testing.T) {
	sink, err := engine.NewEventSink()
	require.NoError(t, err)

	got := make(chan engine.DiffRecord, 1)
	unsubscribe := sink.Subscribe(engine.SinkFunc(func(_ context.Context, rec engine.DiffRecord) {
		got <- rec
	}))
	defer unsubscribe()

	e := engine.New(store.NewMemoryStore(), nil, sink, nil)
	ctx := context.Background()
	_, err = e.UpsertByID(ctx, "users", "1", ann(30))
	require.NoError(t, err)
	_, err = e.UpsertByID(ctx, "users", "1", ann(31))
	require.NoError(t, err)

	// Delivery is synchronous: the diff arrives before the upsert returns.
	require.Len(t, got, 1)
	rec := <-got
	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, diff.Patch{{Op: diff.OpReplace, Path: "/age", Value: json.Number("31")}}, rec.Patch)
}

func TestEventSinkClose(t *testing.T) {
	sink, err := engine.NewEventSink()
	require.NoError(t, err)

	calls := 0
	sink.Subscribe(engine.SinkFunc(func(context.Context, engine.DiffRecord) { calls++ }))
	sink.RecordDiff(context.Background(), engine.DiffRecord{ID: "1"})
	assert.Equal(t, 1, calls)

	require.NotPanics(t, sink.Close)
}
