// Package snapshot stores the in-memory template store as one row per
// bucket in a SQL table. The sqlite and postgres backends differ only in
// their Dialect.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"prefabcore/internal/infra/persistence/memory"
	"prefabcore/pkg/domain"
)

// TableName is the table holding the snapshot rows.
const TableName = "prefab_state"

// Dialect captures the SQL differences between backends.
type Dialect struct {
	Name        string
	// PayloadType is the column type of the JSON payload.
	PayloadType string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// SQLite stores payloads as BLOB with ? parameters.
var SQLite = Dialect{
	Name:        "sqlite",
	PayloadType: "BLOB",
	Placeholder: func(int) string { return "?" },
}

// Postgres stores payloads as JSONB with $n parameters.
var Postgres = Dialect{
	Name:        "postgres",
	PayloadType: "JSONB",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// Table reads and writes snapshot rows. Every Save bumps the revision of
// all rows together.
type Table struct {
	db      *sql.DB
	dialect Dialect

	mu       sync.Mutex
	revision int64
}

// NewTable binds a table to an open database.
func NewTable(db *sql.DB, dialect Dialect) *Table {
	return &Table{db: db, dialect: dialect}
}

// Revision returns the revision of the last loaded or saved snapshot; zero
// when nothing was persisted yet.
func (t *Table) Revision() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}

// Ensure creates the table when missing.
func (t *Table) Ensure(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		bucket TEXT PRIMARY KEY,
		revision BIGINT NOT NULL,
		payload %s NOT NULL
	)`, TableName, t.dialect.PayloadType)
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%s: create %s: %w", t.dialect.Name, TableName, err)
	}
	return nil
}

// Load reads every bucket. ok is false when the table is empty.
func (t *Table) Load(ctx context.Context) (snap memory.Snapshot, ok bool, err error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`SELECT bucket, revision, payload FROM %s`, TableName))
	if err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("%s: select %s: %w", t.dialect.Name, TableName, err)
	}
	defer func() { _ = rows.Close() }()

	payloads := map[string][]byte{}
	var revision int64
	for rows.Next() {
		var (
			bucket  string
			rev     int64
			payload []byte
		)
		if err := rows.Scan(&bucket, &rev, &payload); err != nil {
			return memory.Snapshot{}, false, fmt.Errorf("%s: scan %s: %w", t.dialect.Name, TableName, err)
		}
		payloads[bucket] = payload
		revision = max(revision, rev)
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("%s: iterate %s: %w", t.dialect.Name, TableName, err)
	}
	if len(payloads) == 0 {
		return memory.Snapshot{}, false, nil
	}
	snap, err = memory.DecodeBuckets(payloads)
	if err != nil {
		return memory.Snapshot{}, false, err
	}
	t.mu.Lock()
	t.revision = revision
	t.mu.Unlock()
	return snap, true, nil
}

// Save upserts every bucket of snap inside one database transaction.
func (t *Table) Save(ctx context.Context, snap memory.Snapshot) (retErr error) {
	payloads, err := snap.EncodeBuckets()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", t.dialect.Name, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	next := t.revision + 1
	stmt := t.upsert()
	buckets := append([]string(nil), memory.Buckets...)
	sort.Strings(buckets)
	for _, bucket := range buckets {
		if _, err := tx.ExecContext(ctx, stmt, bucket, next, payloads[bucket]); err != nil {
			return fmt.Errorf("%s: upsert %s: %w", t.dialect.Name, bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", t.dialect.Name, err)
	}
	t.revision = next
	return nil
}

func (t *Table) upsert() string {
	params := make([]string, 3)
	for i := range params {
		params[i] = t.dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO %s (bucket, revision, payload) VALUES (%s) ON CONFLICT (bucket) DO UPDATE SET revision = excluded.revision, payload = excluded.payload`,
		TableName, strings.Join(params, ", "))
}

// Store is a memory.Store whose committed transactions are written to a
// Table. A transaction that fails to persist is rolled back in memory too.
type Store struct {
	*memory.Store
	table *Table
}

var _ domain.PersistentStore = (*Store)(nil)

// Open ensures the table exists and hydrates a fresh memory store from it.
func Open(ctx context.Context, table *Table, engine *domain.RulesEngine) (*Store, error) {
	if err := table.Ensure(ctx); err != nil {
		return nil, err
	}
	snap, ok, err := table.Load(ctx)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	if ok {
		mem.ImportState(snap)
	}
	return &Store{Store: mem, table: table}, nil
}

// Table returns the backing snapshot table.
func (s *Store) Table() *Table { return s.table }

// RunInTransaction commits fn in memory and then saves the snapshot.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	before := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.table.Save(ctx, s.ExportState()); err != nil {
		s.ImportState(before)
		return res, err
	}
	return res, nil
}
