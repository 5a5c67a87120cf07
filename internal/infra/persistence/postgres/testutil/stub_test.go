package testutil

import (
	"context"
	"testing"
)

func TestStubDBCommitsStagedRows(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS prefab_state (bucket TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !conn.Created() {
		t.Fatalf("expected DDL to be recorded")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO prefab_state (bucket, revision, payload) VALUES ($1, $2, $3)", "links", int64(4), []byte("[]")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(conn.Rows) != 0 {
		t.Fatalf("staged rows must stay invisible before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT bucket, revision, payload FROM prefab_state")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		t.Fatalf("expected one row")
	}
	var (
		bucket  string
		rev     int64
		payload []byte
	)
	if err := rows.Scan(&bucket, &rev, &payload); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if bucket != "links" || rev != 4 || string(payload) != "[]" {
		t.Fatalf("unexpected row %q %d %q", bucket, rev, payload)
	}
}

func TestStubDBRollbackAndFailures(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO prefab_state (bucket, revision, payload) VALUES ($1, $2, $3)", "templates", int64(1), []byte("{}")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(conn.Rows) != 0 {
		t.Fatalf("rolled back row was kept")
	}

	if _, err := db.ExecContext(ctx, "DROP TABLE prefab_state"); err == nil {
		t.Fatalf("expected unsupported statement error")
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO prefab_state (bucket) VALUES ($1)", "x"); err == nil {
		t.Fatalf("expected arity error")
	}
	conn.FailPing = true
	if err := db.PingContext(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailQuery = true
	if _, err := db.QueryContext(ctx, "SELECT bucket FROM prefab_state"); err == nil {
		t.Fatalf("expected query failure")
	}
	conn.FailBegin = true
	if _, err := db.BeginTx(ctx, nil); err == nil {
		t.Fatalf("expected begin failure")
	}
}
