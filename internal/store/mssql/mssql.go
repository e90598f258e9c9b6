// Package mssql implements store.Store on SQL Server using go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
)

func init() {
	store.Register(&Driver{})
}

// Driver opens SQL Server stores.
type Driver struct{}

func (*Driver) Name() string      { return "mssql" }
func (*Driver) Aliases() []string { return []string{"sqlserver"} }

// Open connects, pings and reads the database compatibility level.
func (*Driver) Open(ctx context.Context, cfg config.StoreConfig, opts store.Options) (store.Store, error) {
	db, err := sql.Open("sqlserver", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// EXCEPT-based change detection in MERGE needs level 130 (SQL Server 2016).
	var compatLevel int
	if err := db.QueryRowContext(ctx, `
		SELECT compatibility_level
		FROM sys.databases
		WHERE name = DB_NAME()
	`).Scan(&compatLevel); err != nil {
		compatLevel = 0
	}

	logging.Debug("Connected to %s store: mssql %s:%d/%s (compat level %d)",
		opts.Role, cfg.Host, cfg.Port, cfg.Database, compatLevel)

	return &Store{
		db:           db,
		dialect:      store.MSSQLDialect{Schema: cfg.Schema},
		maxConns:     maxConns,
		rowsPerBatch: opts.RowsPerBatch,
		compatLevel:  compatLevel,
	}, nil
}

// Store is a SQL Server-backed store.Store.
type Store struct {
	db           *sql.DB
	dialect      store.MSSQLDialect
	maxConns     int
	rowsPerBatch int
	compatLevel  int
}

var _ store.Store = (*Store)(nil)

func (s *Store) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InTx runs fn in a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer txn.Rollback()

	if err := fn(&Tx{txn: txn, store: s}); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) Columns(ctx context.Context, table string) ([]store.Column, error) {
	schema, name := store.SplitTable(table, s.dialect.DefaultSchema())
	rows, err := s.Query(ctx, store.ColumnsQuery(s.dialect), schema, name)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	return store.ParseColumns(table, rows)
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close()                         { s.db.Close() }
func (s *Store) Dialect() store.Dialect         { return s.dialect }
func (s *Store) DBType() string                 { return "mssql" }

// PoolStats returns connection pool usage.
func (s *Store) PoolStats() string {
	st := s.db.Stats()
	return fmt.Sprintf("mssql: open=%d idle=%d in_use=%d max=%d waits=%d",
		st.OpenConnections, st.Idle, st.InUse, s.maxConns, st.WaitCount)
}

// Tx wraps a database/sql transaction.
type Tx struct {
	txn   *sql.Tx
	store *Store
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	rows, err := t.txn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.txn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Upsert bulk copies rows into a #staging table shaped like the target and
// MERGEs them in, all inside the caller's transaction.
func (t *Tx) Upsert(ctx context.Context, req store.UpsertRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}
	if row, key, dup := req.DuplicateKey(); dup {
		return 0, fmt.Errorf("merge into %s: row %d repeats key (%s)", req.Table, row, key)
	}

	d := t.store.dialect
	schema, table := store.SplitTable(req.Table, d.DefaultSchema())
	target := d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
	staging := stagingName(table)

	createStaging := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s", quoteList(d, req.Columns), staging, target)
	if _, err := t.txn.ExecContext(ctx, createStaging); err != nil {
		return 0, fmt.Errorf("creating staging table for %s: %w", req.Table, err)
	}

	if err := t.copyToStaging(ctx, staging, req); err != nil {
		return 0, err
	}

	mergeSQL := buildMergeSQL(target, staging, req.Columns, req.KeyColumns, t.store.compatLevel >= 130)
	if _, err := t.txn.ExecContext(ctx, mergeSQL); err != nil {
		return 0, fmt.Errorf("executing merge into %s: %w", req.Table, err)
	}

	if err := dropStaging(ctx, t.txn, staging, req.Table); err != nil {
		return 0, err
	}
	return int64(len(req.Rows)), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func dropStaging(ctx context.Context, ex execer, staging, table string) error {
	if _, err := ex.ExecContext(ctx, "DROP TABLE "+staging); err != nil {
		return fmt.Errorf("dropping staging table for %s: %w", table, err)
	}
	return nil
}

func (t *Tx) copyToStaging(ctx context.Context, staging string, req store.UpsertRequest) (err error) {
	rowsPerBatch := t.store.rowsPerBatch
	if rowsPerBatch <= 0 || rowsPerBatch > len(req.Rows) {
		rowsPerBatch = len(req.Rows)
	}
	stmt, err := t.txn.PrepareContext(ctx, mssql.CopyIn(staging, mssql.BulkOptions{RowsPerBatch: rowsPerBatch}, req.Columns...))
	if err != nil {
		return fmt.Errorf("preparing bulk copy to staging: %w", err)
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing bulk copy to staging: %w", cerr)
		}
	}()

	for _, row := range req.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("bulk copy row to staging: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flushing bulk copy to staging: %w", err)
	}
	return nil
}

func stagingName(table string) string {
	var sb strings.Builder
	for _, r := range table {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return fmt.Sprintf("#staging_%s_%d", sb.String(), time.Now().UnixNano())
}

func quoteList(d store.Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// buildMergeSQL generates
//
//	MERGE INTO target USING staging AS src ON (keys)
//	WHEN MATCHED AND EXISTS(SELECT src.* EXCEPT SELECT target.*) THEN UPDATE ...
//	WHEN NOT MATCHED BY TARGET THEN INSERT ...;
//
// Without EXCEPT support matched rows are always updated.
func buildMergeSQL(target, staging string, cols, keyCols []string, useExcept bool) string {
	q := store.MSSQLDialect{}.QuoteIdentifier
	isKey := make(map[string]bool, len(keyCols))
	onClauses := make([]string, len(keyCols))
	for i, k := range keyCols {
		isKey[k] = true
		onClauses[i] = fmt.Sprintf("target.%s = src.%s", q(k), q(k))
	}

	var setClauses, srcCompare, targetCompare []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("target.%s = src.%s", q(c), q(c)))
		srcCompare = append(srcCompare, "src."+q(c))
		targetCompare = append(targetCompare, "target."+q(c))
	}

	quotedCols := make([]string, len(cols))
	srcCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = q(c)
		srcCols[i] = "src." + q(c)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s AS target\n", target)
	fmt.Fprintf(&sb, "USING %s AS src\n", staging)
	fmt.Fprintf(&sb, "ON (%s)\n", strings.Join(onClauses, " AND "))
	if len(setClauses) > 0 {
		if useExcept {
			sb.WriteString("WHEN MATCHED AND EXISTS(\n")
			fmt.Fprintf(&sb, "  SELECT %s\n  EXCEPT\n  SELECT %s\n) THEN\n",
				strings.Join(srcCompare, ", "), strings.Join(targetCompare, ", "))
		} else {
			sb.WriteString("WHEN MATCHED THEN\n")
		}
		fmt.Fprintf(&sb, "  UPDATE SET %s\n", strings.Join(setClauses, ", "))
	}
	sb.WriteString("WHEN NOT MATCHED BY TARGET THEN\n")
	fmt.Fprintf(&sb, "  INSERT (%s) VALUES (%s);", strings.Join(quotedCols, ", "), strings.Join(srcCols, ", "))
	return sb.String()
}

// collect materializes database/sql rows. DECIMAL and MONEY arrive as
// []byte and are returned as their decimal text.
func collect(rows *sql.Rows) (*store.Rows, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	textual := make([]bool, len(types))
	for i, ct := range types {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			textual[i] = true
		}
	}

	out := &store.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && textual[i] {
				vals[i] = string(b)
			}
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
