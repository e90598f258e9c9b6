// Package load writes transformed entities into the destination store.
package load

import (
	"context"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
	"github.com/johndauphine/erp-aps-sync/internal/transform"
)

// Result summarizes one entity load.
type Result struct {
	RowsLoaded int64
	// Collapsed counts rows dropped because a later row carried the same key.
	Collapsed int
	Duration  time.Duration
}

// Loader upserts entities into the destination store.
type Loader struct {
	store store.Store
}

// New creates a Loader writing to s.
func New(s store.Store) *Loader {
	return &Loader{store: s}
}

// Load upserts rows into spec's destination table keyed by the entity's key
// columns. All rows commit in one transaction or none do.
func (l *Loader) Load(ctx context.Context, spec catalog.EntitySpec, rows *transform.RowSet) (Result, error) {
	start := time.Now()
	if rows.Len() == 0 {
		logging.Debug("Load %s: no rows", spec.Name)
		return Result{Duration: time.Since(start)}, nil
	}

	req := store.UpsertRequest{
		Table:      spec.DestinationTable,
		Columns:    rows.Columns,
		KeyColumns: spec.KeyColumns(),
		Rows:       rows.Rows,
	}
	if err := req.Validate(); err != nil {
		return Result{}, &syncerr.LoadError{EntityName: spec.Name, Cause: err}
	}
	var collapsed int
	req.Rows, collapsed = lastPerKey(req.Rows, req.KeyIndexes())
	if collapsed > 0 {
		logging.Warn("Load %s: %d rows share a key with a later row; keeping the last of each", spec.Name, collapsed)
	}

	var loaded int64
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.Upsert(ctx, req)
		loaded = n
		return err
	})
	if err != nil {
		return Result{}, &syncerr.LoadError{EntityName: spec.Name, Cause: err}
	}

	res := Result{RowsLoaded: loaded, Collapsed: collapsed, Duration: time.Since(start)}
	logging.Debug("Loaded %s: %d rows into %s in %v", spec.Name, loaded, spec.DestinationTable, res.Duration.Round(time.Millisecond))
	return res, nil
}

// lastPerKey keeps one row per key: the last one extracted, at the position
// of the key's first occurrence.
func lastPerKey(rows [][]any, keyIdx []int) ([][]any, int) {
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		k := store.RowKey(row, keyIdx)
		if i, ok := pos[k]; ok {
			out[i] = row
			continue
		}
		pos[k] = len(out)
		out = append(out, row)
	}
	return out, len(rows) - len(out)
}
