// Package storetest provides an in-memory store.Store for tests.
//
// Queries and statements are answered by handlers matched on a substring of
// the SQL text. Upserts are applied to in-memory tables keyed by the request's
// key columns, and InTx restores a snapshot when the callback fails, so
// atomicity can be asserted without a database.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// QueryFunc answers a query.
type QueryFunc func(args []any) (*store.Rows, error)

// ExecFunc answers a statement.
type ExecFunc func(args []any) (int64, error)

type queryHandler struct {
	match string
	fn    QueryFunc
}

type execHandler struct {
	match string
	fn    ExecFunc
}

// Table is an in-memory table.
type Table struct {
	Columns []string
	Keys    []string
	Rows    [][]any
}

func (t *Table) clone() *Table {
	c := &Table{
		Columns: append([]string(nil), t.Columns...),
		Keys:    append([]string(nil), t.Keys...),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i, r := range t.Rows {
		c.Rows[i] = append([]any(nil), r...)
	}
	return c
}

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	dialect  store.Dialect
	queries  []queryHandler
	execs    []execHandler
	tables   map[string]*Table
	schemas  map[string][]store.Column
	upsertFn map[string]func(rows [][]any) error

	// PingErr is returned by Ping.
	PingErr error

	// Log records every query, statement and upsert in call order.
	Log []string

	commits   int
	rollbacks int
	closed    bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store using PostgreSQL SQL rendering.
func New() *Store {
	return &Store{
		dialect:  store.PostgresDialect{},
		tables:   make(map[string]*Table),
		schemas:  make(map[string][]store.Column),
		upsertFn: make(map[string]func(rows [][]any) error),
	}
}

// OnQuery registers a handler for queries containing match. Earlier
// registrations win.
func (s *Store) OnQuery(match string, fn QueryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, queryHandler{match: match, fn: fn})
}

// OnExec registers a handler for statements containing match.
func (s *Store) OnExec(match string, fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, execHandler{match: match, fn: fn})
}

// OnUpsert installs a hook run after rows are applied to table. A non-nil
// error fails the upsert with the rows already written, so only a rollback
// can undo them.
func (s *Store) OnUpsert(table string, fn func(rows [][]any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertFn[table] = fn
}

// SetSchema sets the columns reported for table.
func (s *Store) SetSchema(table string, cols []store.Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[table] = cols
}

// Seed replaces the contents of table.
func (s *Store) Seed(table string, columns, keys []string, rows [][]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Table{Columns: columns, Keys: keys, Rows: rows}
	s.tables[table] = t.clone()
}

// Table returns a copy of table, or nil when it was never written.
func (s *Store) Table(name string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	return t.clone()
}

// Commits returns the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns the number of rolled back transactions.
func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns the entries of Log containing match.
func (s *Store) Calls(match string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.Log {
		if strings.Contains(l, match) {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.Log = append(s.Log, "query: "+query)
	var fn QueryFunc
	for _, h := range s.queries {
		if strings.Contains(query, h.match) {
			fn = h.fn
			break
		}
	}
	s.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("storetest: no handler for query %q", query)
	}
	return fn(args)
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.Log = append(s.Log, "exec: "+query)
	var fn ExecFunc
	for _, h := range s.execs {
		if strings.Contains(query, h.match) {
			fn = h.fn
			break
		}
	}
	s.mu.Unlock()

	if fn == nil {
		return 0, fmt.Errorf("storetest: no handler for statement %q", query)
	}
	return fn(args)
}

// InTx snapshots every table, runs fn, and restores the snapshot when fn
// fails or ctx is done before commit.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	snapshot := make(map[string]*Table, len(s.tables))
	for name, t := range s.tables {
		snapshot[name] = t.clone()
	}
	s.mu.Unlock()

	err := fn(&tx{s: s})
	if err == nil {
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.tables = snapshot
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func (s *Store) Columns(ctx context.Context, table string) ([]store.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, ok := s.schemas[table]
	if !ok {
		return nil, fmt.Errorf("no columns found for %s", table)
	}
	return append([]store.Column(nil), cols...), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.PingErr
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Store) Dialect() store.Dialect { return s.dialect }
func (s *Store) DBType() string         { return "memory" }
func (s *Store) PoolStats() string      { return "memory: no pool" }

type tx struct {
	s *Store
}

func (t *tx) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	return t.s.Query(ctx, query, args...)
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return t.s.Exec(ctx, query, args...)
}

func (t *tx) Upsert(ctx context.Context, req store.UpsertRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if row, key, dup := req.DuplicateKey(); dup {
		return 0, fmt.Errorf("storetest: upsert into %s affects key (%s) twice (row %d)", req.Table, key, row)
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log = append(s.Log, fmt.Sprintf("upsert: %s (%d rows)", req.Table, len(req.Rows)))

	tbl, ok := s.tables[req.Table]
	if !ok {
		tbl = &Table{Columns: append([]string(nil), req.Columns...), Keys: append([]string(nil), req.KeyColumns...)}
		s.tables[req.Table] = tbl
	}

	idx := make(map[string]int, len(tbl.Columns))
	for i, c := range tbl.Columns {
		idx[c] = i
	}
	for _, c := range req.Columns {
		if _, ok := idx[c]; !ok {
			return 0, fmt.Errorf("storetest: column %s not in table %s", c, req.Table)
		}
	}

	keyOf := func(row []any, cols []string) string {
		parts := make([]string, len(req.KeyColumns))
		for i, k := range req.KeyColumns {
			for j, c := range cols {
				if c == k {
					parts[i] = fmt.Sprint(row[j])
				}
			}
		}
		return strings.Join(parts, "\x00")
	}

	existing := make(map[string]int, len(tbl.Rows))
	for i, r := range tbl.Rows {
		existing[keyOf(r, tbl.Columns)] = i
	}
	for _, row := range req.Rows {
		full := make([]any, len(tbl.Columns))
		k := keyOf(row, req.Columns)
		if i, ok := existing[k]; ok {
			copy(full, tbl.Rows[i])
		}
		for j, c := range req.Columns {
			full[idx[c]] = row[j]
		}
		if i, ok := existing[k]; ok {
			tbl.Rows[i] = full
		} else {
			existing[k] = len(tbl.Rows)
			tbl.Rows = append(tbl.Rows, full)
		}
	}

	if hook := s.upsertFn[req.Table]; hook != nil {
		if err := hook(req.Rows); err != nil {
			return 0, err
		}
	}
	return int64(len(req.Rows)), nil
}

// RowsOf builds a store.Rows from column names and row values.
func RowsOf(columns []string, values ...[]any) *store.Rows {
	return &store.Rows{Columns: columns, Values: values}
}
