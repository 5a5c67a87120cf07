// Package testutil provides an in-process database/sql driver that understands
// the snapshot table statements, so postgres store tests run without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Row is one stored snapshot bucket.
type Row struct {
	Revision int64
	Payload  []byte
}

// StubConn records statements and keeps committed bucket rows. Upserts made
// inside a transaction become visible on commit only.
type StubConn struct {
	mu      sync.Mutex
	Execs   []string
	Rows    map[string]Row
	staged  map[string]Row
	created bool

	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	FailQuery  bool
}

var seq atomic.Uint64

// NewStubDB registers a fresh driver instance and opens a sql.DB on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Rows: map[string]Row{}}
	name := fmt.Sprintf("prefabstub%d", seq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Created reports whether the table DDL ran.
func (c *StubConn) Created() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn; statements go through ExecContext and
// QueryContext instead.
func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepare not supported")
}

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("stub: ping failed")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, errors.New("stub: begin failed")
	}
	c.staged = map[string]Row{}
	return stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext for CREATE TABLE and the
// bucket upsert.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errors.New("stub: exec failed")
	}
	verb := strings.ToUpper(strings.Fields(query)[0])
	switch verb {
	case "CREATE":
		c.created = true
		return driver.RowsAffected(0), nil
	case "INSERT":
		if len(args) != 3 {
			return nil, fmt.Errorf("stub: upsert wants 3 args, got %d", len(args))
		}
		bucket, _ := args[0].Value.(string)
		revision, _ := args[1].Value.(int64)
		payload, _ := args[2].Value.([]byte)
		row := Row{Revision: revision, Payload: append([]byte(nil), payload...)}
		if c.staged != nil {
			c.staged[bucket] = row
		} else {
			c.Rows[bucket] = row
		}
		return driver.RowsAffected(1), nil
	default:
		return nil, fmt.Errorf("stub: unsupported statement %q", verb)
	}
}

// QueryContext implements driver.QueryerContext for the snapshot select.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailQuery {
		return nil, errors.New("stub: query failed")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, fmt.Errorf("stub: unsupported query %q", query)
	}
	buckets := make([]string, 0, len(c.Rows))
	for b := range c.Rows {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)
	out := &stubRows{}
	for _, b := range buckets {
		r := c.Rows[b]
		out.values = append(out.values, []driver.Value{b, r.Revision, r.Payload})
	}
	return out, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	c := t.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	staged := c.staged
	c.staged = nil
	if c.FailCommit {
		return errors.New("stub: commit failed")
	}
	for b, r := range staged {
		c.Rows[b] = r
	}
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.staged = nil
	return nil
}

type stubRows struct {
	values [][]driver.Value
	next   int
}

func (r *stubRows) Columns() []string { return []string{"bucket", "revision", "payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}
