// Package postgres persists the template store in Postgres through the
// snapshot table, using pgx as the database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"prefabcore/internal/infra/persistence/snapshot"
	"prefabcore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/prefabcore?sslmode=disable"
)

var (
	openMu  sync.Mutex
	sqlOpen = sql.Open
)

// Store snapshots the registry to Postgres after every committed transaction.
type Store struct {
	*snapshot.Store
	db *sql.DB
}

// NewStore connects with dsn, or a local default when empty, and loads any
// saved registry.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	inner, err := snapshot.Open(ctx, snapshot.NewTable(db, snapshot.Postgres), engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the database opener and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
