// Package store provides the record-store abstraction both sides of a sync
// cycle are accessed through. Concrete stores live in subpackages and
// register themselves with Register from init().
package store

import (
	"context"
	"fmt"
	"strings"
)

// Rows is a fully materialized query result.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Column describes one destination column as reported by INFORMATION_SCHEMA.
type Column struct {
	Name       string
	DataType   string
	PrimaryKey bool
}

// UpsertRequest writes Rows (in Columns order) into Table keyed by KeyColumns.
type UpsertRequest struct {
	Table      string
	Columns    []string
	KeyColumns []string
	Rows       [][]any
}

// Validate checks that the request is well formed.
func (r UpsertRequest) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("upsert requires a table")
	}
	if len(r.Columns) == 0 {
		return fmt.Errorf("upsert into %s requires columns", r.Table)
	}
	if len(r.KeyColumns) == 0 {
		return fmt.Errorf("upsert into %s requires key columns", r.Table)
	}
	cols := make(map[string]bool, len(r.Columns))
	for _, c := range r.Columns {
		cols[c] = true
	}
	for _, k := range r.KeyColumns {
		if !cols[k] {
			return fmt.Errorf("upsert into %s: key column %s not in column list", r.Table, k)
		}
	}
	for i, row := range r.Rows {
		if len(row) != len(r.Columns) {
			return fmt.Errorf("upsert into %s: row %d has %d values, want %d", r.Table, i, len(row), len(r.Columns))
		}
	}
	return nil
}

// KeyIndexes returns the positions of the key columns within Columns.
func (r UpsertRequest) KeyIndexes() []int {
	idx := make([]int, 0, len(r.KeyColumns))
	for _, k := range r.KeyColumns {
		for i, c := range r.Columns {
			if c == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// RowKey renders the values of row at keyIdx as a comparable string.
func RowKey(row []any, keyIdx []int) string {
	var b strings.Builder
	for n, i := range keyIdx {
		if n > 0 {
			b.WriteByte(0)
		}
		fmt.Fprint(&b, row[i])
	}
	return b.String()
}

// DuplicateKey reports the first row whose key repeats an earlier row.
// Neither ON CONFLICT DO UPDATE nor MERGE accepts such a batch.
func (r UpsertRequest) DuplicateKey() (row int, key string, ok bool) {
	keyIdx := r.KeyIndexes()
	seen := make(map[string]bool, len(r.Rows))
	for i, values := range r.Rows {
		k := RowKey(values, keyIdx)
		if seen[k] {
			return i, strings.ReplaceAll(k, "\x00", ", "), true
		}
		seen[k] = true
	}
	return 0, "", false
}

// Querier runs statements.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Tx is a store transaction. Everything done through it commits or rolls
// back together.
type Tx interface {
	Querier
	// Upsert inserts new keys and updates changed rows. It returns the
	// number of rows submitted.
	Upsert(ctx context.Context, req UpsertRequest) (int64, error)
}

// Store is one side of the sync: the ERP or the scheduling database.
type Store interface {
	Querier

	// InTx runs fn inside a transaction, committing when fn returns nil and
	// rolling back otherwise (including on context cancellation).
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Columns returns a table's columns in ordinal order.
	Columns(ctx context.Context, table string) ([]Column, error)

	Ping(ctx context.Context) error
	Close()
	Dialect() Dialect
	DBType() string
	PoolStats() string
}

// Dialect renders store-specific SQL fragments.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	// QualifyTable quotes "schema.table" or "table" (default schema).
	QualifyTable(table string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// TableFunctionQuery selects every row produced by a table function.
	TableFunctionQuery(function string) string
	// ProcedureCall invokes a stored procedure with named parameters bound
	// positionally.
	ProcedureCall(name string, params []string) string
	DefaultSchema() string
}

// SplitTable splits "schema.table" into its parts, using defaultSchema when
// no schema is given.
func SplitTable(table, defaultSchema string) (string, string) {
	if i := strings.Index(table, "."); i > 0 {
		return table[:i], table[i+1:]
	}
	return defaultSchema, table
}

// ColumnsQuery returns the INFORMATION_SCHEMA query used by Columns. Both
// supported engines expose the same views; only the bind markers differ.
func ColumnsQuery(d Dialect) string {
	p1, p2 := d.Placeholder(1), d.Placeholder(2)
	return fmt.Sprintf(`SELECT c.COLUMN_NAME, c.DATA_TYPE,
       CASE WHEN k.COLUMN_NAME IS NULL THEN 0 ELSE 1 END AS is_pk
  FROM INFORMATION_SCHEMA.COLUMNS c
  LEFT JOIN (
        SELECT ku.COLUMN_NAME
          FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
          JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE ku
            ON tc.CONSTRAINT_NAME = ku.CONSTRAINT_NAME
           AND tc.TABLE_SCHEMA = ku.TABLE_SCHEMA
           AND tc.TABLE_NAME = ku.TABLE_NAME
         WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
           AND tc.TABLE_SCHEMA = %[1]s
           AND tc.TABLE_NAME = %[2]s
       ) k ON k.COLUMN_NAME = c.COLUMN_NAME
 WHERE c.TABLE_SCHEMA = %[1]s
   AND c.TABLE_NAME = %[2]s
 ORDER BY c.ORDINAL_POSITION`, p1, p2)
}

// ParseColumns converts a ColumnsQuery result.
func ParseColumns(table string, rows *Rows) ([]Column, error) {
	if rows.Len() == 0 {
		return nil, fmt.Errorf("no columns found for %s", table)
	}
	cols := make([]Column, 0, rows.Len())
	for _, r := range rows.Values {
		if len(r) < 3 {
			return nil, fmt.Errorf("unexpected column metadata shape for %s", table)
		}
		cols = append(cols, Column{
			Name:       fmt.Sprint(r[0]),
			DataType:   strings.ToLower(fmt.Sprint(r[1])),
			PrimaryKey: fmt.Sprint(r[2]) == "1",
		})
	}
	return cols, nil
}

// PrimaryKey returns the names of the key columns.
func PrimaryKey(cols []Column) []string {
	var pk []string
	for _, c := range cols {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}
