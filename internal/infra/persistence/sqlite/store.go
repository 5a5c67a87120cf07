// Package sqlite persists the template store in a SQLite file through the
// snapshot table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"prefabcore/internal/infra/persistence/snapshot"
	"prefabcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "prefabcore.db"

// Store snapshots the registry to SQLite after every committed transaction.
type Store struct {
	*snapshot.Store
	db   *sql.DB
	path string
}

// NewStore opens (creating when needed) the database at path, or at
// prefabcore.db when path is empty, and loads any saved registry.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; the snapshot is rewritten as a whole.
	db.SetMaxOpenConns(1)
	inner, err := snapshot.Open(context.Background(), snapshot.NewTable(db, snapshot.SQLite), engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, db: db, path: path}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }
