package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Fixed-width UTC timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite stores runs in <dataDir>/history.db.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the history database in dataDir and
// applies pending migrations.
func NewSQLite(ctx context.Context, dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record inserts run, replacing an earlier record with the same ID.
func (s *SQLite) Record(ctx context.Context, run *engine.SyncRun) error {
	detail, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, started_at, ended_at, outcome, failed_stage, failed_entity, error, rows_loaded, rows_copied, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID,
		run.StartTime.UTC().Format(timeLayout),
		run.EndTime.UTC().Format(timeLayout),
		string(run.Outcome),
		string(run.FailedStage),
		run.FailedEntity,
		run.Error,
		run.RowsLoaded(),
		run.ReverseSync.Rows,
		string(detail),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.RunID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]engine.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT detail FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []engine.SyncRun
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, err
		}
		var run engine.SyncRun
		if err := json.Unmarshal([]byte(detail), &run); err != nil {
			return nil, fmt.Errorf("decoding run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns the run with runID or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, runID string) (*engine.SyncRun, error) {
	var detail string
	err := s.db.QueryRowContext(ctx, `SELECT detail FROM runs WHERE id = ?`, runID).Scan(&detail)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	var run engine.SyncRun
	if err := json.Unmarshal([]byte(detail), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// Prune deletes runs that started before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}
