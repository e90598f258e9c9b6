// Package postgres implements store.Store on PostgreSQL using pgxpool.
package postgres

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// PostgreSQL allows at most 65535 bind parameters per statement.
const maxParams = 65000

func init() {
	store.Register(&Driver{})
}

// Driver opens PostgreSQL stores.
type Driver struct{}

func (*Driver) Name() string      { return "postgres" }
func (*Driver) Aliases() []string { return []string{"postgresql", "pg"} }

// Open creates a pool and pings it.
func (*Driver) Open(ctx context.Context, cfg config.StoreConfig, opts store.Options) (store.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Debug("Connected to %s store: postgres %s:%d/%s (max %d conns)",
		opts.Role, cfg.Host, cfg.Port, cfg.Database, poolCfg.MaxConns)

	return &Store{
		pool:    pool,
		dialect: store.PostgresDialect{Schema: cfg.Schema},
	}, nil
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool    *pgxpool.Pool
	dialect store.PostgresDialect
}

var _ store.Store = (*Store)(nil)

func (s *Store) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InTx runs fn in a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
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

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }
func (s *Store) Dialect() store.Dialect         { return s.dialect }
func (s *Store) DBType() string                 { return "postgres" }

// PoolStats returns connection pool usage.
func (s *Store) PoolStats() string {
	st := s.pool.Stat()
	return fmt.Sprintf("postgres: total=%d idle=%d in_use=%d max=%d acquires=%d",
		st.TotalConns(), st.IdleConns(), st.AcquiredConns(), st.MaxConns(), st.AcquireCount())
}

// Tx wraps a pgx transaction.
type Tx struct {
	tx      pgx.Tx
	dialect store.PostgresDialect
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*store.Rows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Upsert writes rows with multi-row INSERT ... ON CONFLICT statements,
// batched under the bind parameter limit.
func (t *Tx) Upsert(ctx context.Context, req store.UpsertRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Rows) == 0 {
		return 0, nil
	}

	if row, key, dup := req.DuplicateKey(); dup {
		return 0, fmt.Errorf("upsert into %s: row %d repeats key (%s)", req.Table, row, key)
	}

	batchSize := maxParams / len(req.Columns)
	if batchSize < 1 {
		batchSize = 1
	}

	schema, table := store.SplitTable(req.Table, t.dialect.DefaultSchema())
	for i := 0; i < len(req.Rows); i += batchSize {
		end := i + batchSize
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		sql, args := buildUpsertSQL(schema, table, req.Columns, req.KeyColumns, req.Rows[i:end])
		if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
			return 0, fmt.Errorf("executing batched upsert into %s: %w", req.Table, err)
		}
	}
	return int64(len(req.Rows)), nil
}

// buildUpsertSQL generates
//
//	INSERT INTO schema.table (cols) VALUES ($1, ...), ...
//	ON CONFLICT (keys) DO UPDATE SET c = EXCLUDED.c, ...
//	WHERE (table.c, ...) IS DISTINCT FROM (EXCLUDED.c, ...)
//
// or DO NOTHING when every column is part of the key.
func buildUpsertSQL(schema, table string, cols, keyCols []string, rows [][]any) (string, []any) {
	q := store.PostgresDialect{}.QuoteIdentifier

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = q(c)
	}
	quotedKeys := make([]string, len(keyCols))
	isKey := make(map[string]bool, len(keyCols))
	for i, k := range keyCols {
		quotedKeys[i] = q(k)
		isKey[k] = true
	}

	var setClauses, targetCols, excludedCols []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", q(c), q(c)))
		targetCols = append(targetCols, q(table)+"."+q(c))
		excludedCols = append(excludedCols, "EXCLUDED."+q(c))
	}

	args := make([]any, 0, len(rows)*len(cols))
	tuples := make([]string, len(rows))
	for r, row := range rows {
		params := make([]string, len(cols))
		for c := range cols {
			params[c] = fmt.Sprintf("$%d", r*len(cols)+c+1)
			args = append(args, row[c])
		}
		tuples[r] = "(" + strings.Join(params, ", ") + ")"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s.%s (%s) VALUES %s", q(schema), q(table),
		strings.Join(quotedCols, ", "), strings.Join(tuples, ", "))
	fmt.Fprintf(&sb, " ON CONFLICT (%s)", strings.Join(quotedKeys, ", "))
	if len(setClauses) > 0 {
		fmt.Fprintf(&sb, " DO UPDATE SET %s", strings.Join(setClauses, ", "))
		fmt.Fprintf(&sb, " WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(targetCols, ", "), strings.Join(excludedCols, ", "))
	} else {
		sb.WriteString(" DO NOTHING")
	}
	return sb.String(), args
}

// collect materializes pgx rows, converting driver.Valuer values (numeric,
// uuid, interval) to their primitive form.
func collect(rows pgx.Rows) (*store.Rows, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &store.Rows{Columns: make([]string, len(fields))}
	for i, f := range fields {
		out.Columns[i] = f.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		for i, v := range vals {
			if valuer, ok := v.(driver.Valuer); ok {
				pv, err := valuer.Value()
				if err != nil {
					return nil, fmt.Errorf("converting column %s: %w", out.Columns[i], err)
				}
				vals[i] = pv
			}
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
