// Package extract runs entity extractions against the source store.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// RowSet is the materialized output of one extraction.
type RowSet struct {
	Entity   string
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Len returns the number of rows.
func (r *RowSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Index returns the position of field in Columns, matching exactly, then
// case-insensitively, then ignoring underscores. It returns -1 when absent.
func (r *RowSet) Index(field string) int {
	return FieldIndex(r.Columns, field)
}

// FieldIndex is the lookup behind RowSet.Index.
func FieldIndex(columns []string, field string) int {
	for i, c := range columns {
		if c == field {
			return i
		}
	}
	for i, c := range columns {
		if strings.EqualFold(c, field) {
			return i
		}
	}
	norm := normalize(field)
	for i, c := range columns {
		if normalize(c) == norm {
			return i
		}
	}
	return -1
}

func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// Extractor runs extractions on the source store.
type Extractor struct {
	store store.Store
}

// New creates an Extractor reading from s.
func New(s store.Store) *Extractor {
	return &Extractor{store: s}
}

// Extract runs spec's extraction and checks that every non-optional mapped
// field is present in the result.
func (e *Extractor) Extract(ctx context.Context, spec catalog.EntitySpec) (*RowSet, error) {
	start := time.Now()
	query := spec.Extraction.SQL(e.store.Dialect())
	logging.Debug("Extracting %s: %s", spec.Name, query)

	rows, err := e.store.Query(ctx, query)
	if err != nil {
		return nil, &syncerr.ExtractionError{EntityName: spec.Name, Cause: err}
	}

	rs := &RowSet{Entity: spec.Name, Columns: rows.Columns, Rows: rows.Values, Duration: time.Since(start)}
	if err := checkShape(spec, rs); err != nil {
		return nil, &syncerr.ExtractionError{EntityName: spec.Name, Cause: err}
	}

	logging.Debug("Extracted %s: %d rows in %v", spec.Name, rs.Len(), rs.Duration.Round(time.Millisecond))
	return rs, nil
}

func checkShape(spec catalog.EntitySpec, rs *RowSet) error {
	var missing []string
	for _, m := range spec.Columns {
		if m.Optional {
			continue
		}
		if rs.Index(m.Source) < 0 {
			missing = append(missing, m.Source)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("result has no field %s (columns: %s)",
			strings.Join(missing, ", "), strings.Join(rs.Columns, ", "))
	}
	for i, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(rs.Columns))
		}
	}
	return nil
}

type slot struct {
	done chan struct{}
	rows *RowSet
	err  error
}

// Batch is a set of extractions running in the background with bounded
// concurrency. Results are consumed per entity with Wait.
type Batch struct {
	cancel context.CancelFunc
	group  errgroup.Group
	slots  []*slot
}

// Start begins extracting specs with at most workers in flight. A failing
// extraction does not cancel the others; callers stop the batch with Close.
func (e *Extractor) Start(ctx context.Context, specs []catalog.EntitySpec, workers int) *Batch {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Batch{cancel: cancel, slots: make([]*slot, len(specs))}
	b.group.SetLimit(workers)

	for i := range specs {
		b.slots[i] = &slot{done: make(chan struct{})}
	}

	// Submitting blocks once the limit is reached, so it runs off the
	// caller's goroutine.
	go func() {
		for i, spec := range specs {
			s := b.slots[i]
			b.group.Go(func() error {
				defer close(s.done)
				if err := ctx.Err(); err != nil {
					s.err = &syncerr.ExtractionError{EntityName: spec.Name, Cause: err}
					return nil
				}
				s.rows, s.err = e.Extract(ctx, spec)
				return nil
			})
		}
	}()
	return b
}

// Wait blocks until extraction i finishes or ctx is done.
func (b *Batch) Wait(ctx context.Context, i int) (*RowSet, error) {
	s := b.slots[i]
	select {
	case <-s.done:
		return s.rows, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels outstanding extractions and waits for them to exit.
func (b *Batch) Close() {
	b.cancel()
	for _, s := range b.slots {
		<-s.done
	}
	b.group.Wait()
}
