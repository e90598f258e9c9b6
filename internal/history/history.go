// Package history persists finished sync runs for the history command and
// for operators investigating failed cycles.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Backend stores SyncRuns.
// Implementations include SQLite (default) and a YAML file for hosts where
// SQLite is impractical.
type Backend interface {
	Record(ctx context.Context, run *engine.SyncRun) error
	// Recent returns up to limit runs, newest first.
	Recent(ctx context.Context, limit int) ([]engine.SyncRun, error)
	Get(ctx context.Context, runID string) (*engine.SyncRun, error)
	// Prune deletes runs that started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

var (
	_ Backend         = (*SQLite)(nil)
	_ Backend         = (*File)(nil)
	_ engine.Recorder = (Backend)(nil)
)

// Open returns the file backend when stateFile is set and the SQLite
// backend in dataDir otherwise.
func Open(ctx context.Context, dataDir, stateFile string) (Backend, error) {
	if stateFile != "" {
		return NewFile(stateFile, 0)
	}
	return NewSQLite(ctx, dataDir)
}

// Retained wraps b so every Record also prunes runs older than days.
func Retained(b Backend, days int) Backend {
	if days <= 0 {
		return b
	}
	return &retained{Backend: b, days: days}
}

type retained struct {
	Backend
	days int
}

func (r *retained) Record(ctx context.Context, run *engine.SyncRun) error {
	if err := r.Backend.Record(ctx, run); err != nil {
		return err
	}
	_, err := r.Backend.Prune(ctx, time.Now().AddDate(0, 0, -r.days))
	return err
}
