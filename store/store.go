// Package store defines the backing document store interface and implementations.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// IDField is the identity field every stored document carries.
const IDField = "_id"

// Document is a JSON object as produced by encoding/json with UseNumber:
// numbers are json.Number so integers keep every digit.
type Document = map[string]any

// Store is the interface that all backing stores must implement.
// It operates on named collections, where each collection contains
// documents keyed by their "_id" field.
type Store interface {
	// Save inserts or fully replaces a document and returns the stored copy.
	// A document without an "_id" is assigned a new one.
	Save(ctx context.Context, collection string, doc Document) (Document, error)

	// FindByID returns a single document, or nil if not found.
	FindByID(ctx context.Context, collection, id string) (Document, error)

	// FindAll streams every document in a collection. The sequence can be
	// ranged over once; an error ends it.
	FindAll(ctx context.Context, collection string) iter.Seq2[Document, error]

	// DeleteByID removes a document. Deleting a missing document is not an error.
	DeleteByID(ctx context.Context, collection, id string) error

	// ListCollections returns the names of all collections that contain data.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// IDOf returns the document's identity as a string, or "" if it has none.
func IDOf(doc Document) string {
	v, ok := doc[IDField]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// withID returns a deep copy of doc whose "_id" is a non-empty string,
// generating a UUID when the caller did not supply one.
func withID(doc Document) (Document, string, error) {
	out, err := deepCopy(doc)
	if err != nil {
		return nil, "", err
	}
	if out == nil {
		out = Document{}
	}
	id := IDOf(out)
	if id == "" {
		id = uuid.New().String()
	}
	out[IDField] = id
	return out, id, nil
}

// deepCopy returns a deep copy of a document by round-tripping through JSON.
func deepCopy(src Document) (Document, error) {
	if src == nil {
		return nil, nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return decode(b)
}

func decode(b []byte) (Document, error) {
	var dst Document
	if err := unmarshal(b, &dst); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return dst, nil
}

// unmarshal is json.Unmarshal with numbers kept as json.Number.
func unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// errSeq is a sequence that yields a single error.
func errSeq(err error) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		yield(nil, err)
	}
}
