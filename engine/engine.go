// Package engine implements the collection operations behind the HTTP API:
// plain create, validated upsert with diff recording, read, list and delete
// over arbitrary named collections.
package engine

import (
	"context"
	"iter"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/stevemurr/docgate/diff"
	"github.com/stevemurr/docgate/schema"
	"github.com/stevemurr/docgate/store"
)

// Engine runs collection operations against a store. It holds no per-request
// state and is safe for concurrent use.
//
// Concurrent upserts of the same id are not serialized: a diff may be
// computed against a version that a racing request overwrites immediately.
type Engine struct {
	store   store.Store
	schemas schema.Provider
	sink    DiffSink
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Engine. A nil provider falls back to the built-in schema, a
// nil sink discards diffs and a nil logger disables logging.
func New(s store.Store, schemas schema.Provider, sink DiffSink, logger *zap.Logger) *Engine {
	if schemas == nil {
		schemas = schema.NewStaticProvider(nil)
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, schemas: schemas, sink: sink, logger: logger, now: time.Now}
}

// Create inserts doc without validation. The store assigns an id when doc
// has none.
func (e *Engine) Create(ctx context.Context, collection string, doc store.Document) (store.Document, error) {
	candidate := maps.Clone(doc)
	if candidate == nil {
		candidate = store.Document{}
	}
	if id := store.IDOf(candidate); id != "" {
		candidate[store.IDField] = id
	} else {
		delete(candidate, store.IDField)
	}

	saved, err := e.store.Save(ctx, collection, candidate)
	if err != nil {
		return nil, storeErr("save", collection, store.IDOf(candidate), err)
	}
	e.logger.Info("Created document",
		zap.String("collection", collection),
		zap.String("id", store.IDOf(saved)),
	)
	return saved, nil
}

// UpsertByID validates doc against the collection's schema and stores it
// under id, fully replacing any previous version. When a previous version
// exists, the difference between it and the new document is sent to the
// diff sink before the write.
func (e *Engine) UpsertByID(ctx context.Context, collection, id string, doc store.Document) (store.Document, error) {
	violations := schema.Validate(doc, e.schemas.SchemaFor(collection))
	if id == "" {
		violations = append(violations, "/_id: id must not be empty")
	}
	if len(violations) > 0 {
		e.logger.Warn("Validation failed",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Strings("errors", violations),
		)
		return nil, &ValidationError{Collection: collection, Violations: violations}
	}

	candidate := maps.Clone(doc)
	if candidate == nil {
		candidate = store.Document{}
	}
	candidate[store.IDField] = id

	existing, err := e.store.FindByID(ctx, collection, id)
	if err != nil {
		return nil, storeErr("find", collection, id, err)
	}
	if existing != nil {
		e.recordDiff(ctx, collection, id, existing, candidate)
	}

	saved, err := e.store.Save(ctx, collection, candidate)
	if err != nil {
		return nil, storeErr("save", collection, id, err)
	}
	if existing != nil {
		e.logger.Info("Updated document", zap.String("collection", collection), zap.String("id", id))
	} else {
		e.logger.Info("Created document", zap.String("collection", collection), zap.String("id", id))
	}
	return saved, nil
}

// recordDiff never fails: a diff that cannot be computed is replaced by an
// empty patch and a sink that panics is logged and ignored.
func (e *Engine) recordDiff(ctx context.Context, collection, id string, before, after store.Document) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Diff sink panicked",
				zap.String("collection", collection),
				zap.String("id", id),
				zap.Any("panic", r),
			)
		}
	}()

	patch, err := diff.Compute(before, after)
	if err != nil {
		e.logger.Warn("Could not compute diff",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err),
		)
		patch = diff.Patch{}
	}
	e.sink.RecordDiff(ctx, DiffRecord{
		Collection: collection,
		ID:         id,
		Patch:      patch,
		At:         e.now(),
	})
}

// GetByID returns the document with the given id or ErrNotFound.
func (e *Engine) GetByID(ctx context.Context, collection, id string) (store.Document, error) {
	doc, err := e.store.FindByID(ctx, collection, id)
	if err != nil {
		return nil, storeErr("find", collection, id, err)
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// ListAll streams every document of a collection in store order.
func (e *Engine) ListAll(ctx context.Context, collection string) iter.Seq2[store.Document, error] {
	return func(yield func(store.Document, error) bool) {
		for doc, err := range e.store.FindAll(ctx, collection) {
			if err != nil {
				yield(nil, storeErr("list", collection, "", err))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// DeleteByID removes a document. Removing a missing document succeeds.
func (e *Engine) DeleteByID(ctx context.Context, collection, id string) error {
	if err := e.store.DeleteByID(ctx, collection, id); err != nil {
		return storeErr("delete", collection, id, err)
	}
	e.logger.Info("Deleted document", zap.String("collection", collection), zap.String("id", id))
	return nil
}

// Collections returns the names of all non-empty collections.
func (e *Engine) Collections(ctx context.Context) ([]string, error) {
	names, err := e.store.ListCollections(ctx)
	if err != nil {
		return nil, storeErr("list collections", "", "", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
