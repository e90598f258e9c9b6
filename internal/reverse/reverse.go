// Package reverse copies scheduling results from the destination store back
// into the ERP's mirror table.
package reverse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/extract"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// Result summarizes one reverse sync.
type Result struct {
	RowsCopied int64
	Duration   time.Duration
}

// Syncer reads the results table from dest and upserts it into the mirror
// table in src.
type Syncer struct {
	dest store.Store
	src  store.Store
	cfg  config.ReverseConfig
}

// New creates a Syncer.
func New(dest, src store.Store, cfg config.ReverseConfig) *Syncer {
	return &Syncer{dest: dest, src: src, cfg: cfg}
}

// SourceTable returns the destination-side table read by SyncBack.
func (s *Syncer) SourceTable() string { return s.cfg.SourceTable }

// MirrorTable returns the source-side table written by SyncBack.
func (s *Syncer) MirrorTable() string { return s.cfg.MirrorTable }

// SyncBack copies every results row into the mirror table inside one source
// transaction. An empty results table copies nothing and succeeds.
func (s *Syncer) SyncBack(ctx context.Context) (Result, error) {
	start := time.Now()

	rows, err := s.dest.Query(ctx, s.selectQuery())
	if err != nil {
		return Result{}, &syncerr.ReverseSyncError{Cause: fmt.Errorf("reading %s: %w", s.cfg.SourceTable, err)}
	}
	if rows.Len() == 0 {
		logging.Info("Reverse sync: %s is empty, nothing to copy", s.cfg.SourceTable)
		return Result{Duration: time.Since(start)}, nil
	}

	req, err := s.request(rows)
	if err != nil {
		return Result{}, &syncerr.ReverseSyncError{Cause: err}
	}

	var copied int64
	err = s.src.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.Upsert(ctx, req)
		copied = n
		return err
	})
	if err != nil {
		return Result{}, &syncerr.ReverseSyncError{Cause: fmt.Errorf("writing %s: %w", s.cfg.MirrorTable, err)}
	}

	res := Result{RowsCopied: copied, Duration: time.Since(start)}
	logging.Info("Reverse sync: %d rows %s -> %s in %v", copied, s.cfg.SourceTable, s.cfg.MirrorTable, res.Duration.Round(time.Millisecond))
	return res, nil
}

func (s *Syncer) selectQuery() string {
	d := s.dest.Dialect()
	cols := "*"
	if len(s.cfg.Columns) > 0 {
		quoted := make([]string, len(s.cfg.Columns))
		for i, c := range s.cfg.Columns {
			quoted[i] = d.QuoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s", cols, d.QualifyTable(s.cfg.SourceTable))
}

// request builds the mirror upsert. Column names follow the results table;
// they are folded to lower case for a PostgreSQL mirror, which stores
// unquoted identifiers that way.
func (s *Syncer) request(rows *store.Rows) (store.UpsertRequest, error) {
	fold := s.src.Dialect().Name() == "postgres"
	cols := make([]string, len(rows.Columns))
	for i, c := range rows.Columns {
		if fold {
			c = strings.ToLower(c)
		}
		cols[i] = c
	}

	keys := make([]string, len(s.cfg.KeyColumns))
	for i, k := range s.cfg.KeyColumns {
		idx := extract.FieldIndex(cols, k)
		if idx < 0 {
			return store.UpsertRequest{}, fmt.Errorf("key column %s not in %s (columns: %s)",
				k, s.cfg.SourceTable, strings.Join(rows.Columns, ", "))
		}
		keys[i] = cols[idx]
	}

	req := store.UpsertRequest{
		Table:      s.cfg.MirrorTable,
		Columns:    cols,
		KeyColumns: keys,
		Rows:       rows.Values,
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	if row, key, dup := req.DuplicateKey(); dup {
		return req, fmt.Errorf("%s row %d repeats key %s = (%s)",
			s.cfg.SourceTable, row, strings.Join(keys, ", "), key)
	}
	return req, nil
}
