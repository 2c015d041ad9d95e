package store

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DataDir     string
	DatabaseURL string
}

// New creates a Store based on the backend name.
//
// Supported backends:
//
//	"json"     - JSON files in DataDir (default)
//	"sqlite"   - SQLite database at DataDir/docgate.db
//	"postgres" - PostgreSQL at DatabaseURL
//	"memory"   - In-memory (ephemeral, for testing)
func New(opts Options) (Store, error) {
	switch opts.Backend {
	case "json", "":
		return NewJSONFileStore(opts.DataDir)
	case "sqlite":
		return NewSqliteStore(filepath.Join(opts.DataDir, "docgate.db"))
	case "postgres":
		if opts.DatabaseURL == "" {
			return nil, errors.New("postgres backend requires a database URL")
		}
		return NewPostgresStore(opts.DatabaseURL)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: json, sqlite, postgres, memory)", opts.Backend)
	}
}
