package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by GetByID when no document has the requested id.
var ErrNotFound = errors.New("document not found")

// ValidationError reports every schema violation of a rejected document.
type ValidationError struct {
	Collection string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document for collection %q failed validation: %s",
		e.Collection, strings.Join(e.Violations, "; "))
}

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, collection, id string, err error) error {
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err}
}
