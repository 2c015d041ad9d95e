package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// ErrInvalidCollection is returned for the empty collection name.
var ErrInvalidCollection = errors.New("invalid collection name")

// JSONFileStore stores each collection as a separate JSON file on disk,
// keyed by document id. Files are replaced atomically on every write.
//
// Layout:
//
//	data_dir/
//	  users.json    # "users" collection
//	  orders.json   # "orders" collection
//	  a%2Fb.json    # "a/b": names are path-escaped
//	  %2Eenv.json   # ".env": a leading dot is escaped too
type JSONFileStore struct {
	mu  sync.RWMutex
	dir string
}

func NewJSONFileStore(dir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JSONFileStore{dir: dir}, nil
}

func (s *JSONFileStore) collectionPath(collection string) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	return filepath.Join(s.dir, collectionFile(collection)), nil
}

// collectionFile maps any collection name to a single safe file name.
func collectionFile(collection string) string {
	name := url.PathEscape(collection)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + ".json"
}

// collectionName reverses collectionFile. ok is false for files the store
// did not write.
func collectionName(file string) (string, bool) {
	if strings.HasPrefix(file, ".") || !strings.HasSuffix(file, ".json") {
		return "", false
	}
	name, err := url.PathUnescape(strings.TrimSuffix(file, ".json"))
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

func (s *JSONFileStore) loadCollection(path string) (map[string]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Document{}, nil
		}
		return nil, err
	}
	result := map[string]Document{}
	if err := unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("corrupt collection file %s: %w", path, err)
	}
	return result, nil
}

func (s *JSONFileStore) saveCollection(path string, coll map[string]Document) error {
	b, err := json.MarshalIndent(coll, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(b))
}

func (s *JSONFileStore) Save(ctx context.Context, collection string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.collectionPath(collection)
	if err != nil {
		return nil, err
	}
	stored, id, err := withID(doc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.loadCollection(path)
	if err != nil {
		return nil, err
	}
	coll[id] = stored
	if err := s.saveCollection(path, coll); err != nil {
		return nil, err
	}
	return deepCopy(stored)
}

func (s *JSONFileStore) FindByID(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.collectionPath(collection)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.loadCollection(path)
	if err != nil {
		return nil, err
	}
	doc, ok := coll[id]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (s *JSONFileStore) FindAll(ctx context.Context, collection string) iter.Seq2[Document, error] {
	path, err := s.collectionPath(collection)
	if err != nil {
		return errSeq(err)
	}
	return func(yield func(Document, error) bool) {
		s.mu.RLock()
		coll, err := s.loadCollection(path)
		s.mu.RUnlock()
		if err != nil {
			yield(nil, err)
			return
		}
		ids := make([]string, 0, len(coll))
		for id := range coll {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(coll[id], nil) {
				return
			}
		}
	}
}

func (s *JSONFileStore) DeleteByID(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.collectionPath(collection)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.loadCollection(path)
	if err != nil {
		return err
	}
	if _, ok := coll[id]; !ok {
		return nil
	}
	delete(coll, id)
	return s.saveCollection(path, coll)
}

func (s *JSONFileStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := collectionName(e.Name())
		if !ok {
			continue
		}
		coll, err := s.loadCollection(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(coll) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *JSONFileStore) Close() error { return nil }
