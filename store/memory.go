package store

import (
	"context"
	"iter"
	"sort"
	"sync"
)

// MemoryStore keeps everything in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
	}
}

func (m *MemoryStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, id, err := withID(doc)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = make(map[string]Document)
	}
	m.collections[collection][id] = stored
	return deepCopy(stored)
}

func (m *MemoryStore) FindByID(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return deepCopy(doc)
}

// FindAll yields a snapshot of the collection taken when iteration starts,
// ordered by id.
func (m *MemoryStore) FindAll(ctx context.Context, collection string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		m.mu.RLock()
		coll := m.collections[collection]
		ids := make([]string, 0, len(coll))
		for id := range coll {
			ids = append(ids, id)
		}
		snapshot := make(map[string]Document, len(coll))
		for _, id := range ids {
			snapshot[id] = coll[id]
		}
		m.mu.RUnlock()

		sort.Strings(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			doc, err := deepCopy(snapshot[id])
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

func (m *MemoryStore) DeleteByID(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
	return nil
}

func (m *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, docs := range m.collections {
		if len(docs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Close() error { return nil }
