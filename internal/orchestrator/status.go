package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/history"
)

// DefaultHistoryLimit bounds the history listing.
const DefaultHistoryLimit = 20

// History returns up to limit recorded runs, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]engine.SyncRun, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return o.history.Recent(ctx, limit)
}

// Run returns one recorded run.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*engine.SyncRun, error) {
	run, err := o.history.Get(ctx, runID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return run, err
}

// ShowHistory prints recorded runs.
func (o *Orchestrator) ShowHistory(ctx context.Context, w io.Writer, limit int) error {
	runs, err := o.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync history")
		return nil
	}

	fmt.Fprintf(w, "%-10s %-20s %-10s %-8s %-12s %s\n", "ID", "Started", "Duration", "Outcome", "Rows", "Failed at")
	fmt.Fprintln(w, strings.Repeat("-", 86))
	for _, r := range runs {
		failedAt := "-"
		if r.FailedStage != "" {
			failedAt = string(r.FailedStage)
			if r.FailedEntity != "" {
				failedAt += " (" + r.FailedEntity + ")"
			}
		}
		fmt.Fprintf(w, "%-10s %-20s %-10s %-8s %-12d %s\n",
			r.RunID,
			r.StartTime.Local().Format("2006-01-02 15:04:05"),
			r.Duration().Round(time.Second),
			r.Outcome,
			r.RowsLoaded(),
			failedAt)
		if r.Error != "" {
			fmt.Fprintf(w, "           Error: %s\n", r.Error)
		}
	}

	fmt.Fprintln(w, "\nUse 'history --run <ID>' to view entity details")
	return nil
}

// ShowRunDetails prints one run entity by entity.
func (o *Orchestrator) ShowRunDetails(ctx context.Context, w io.Writer, runID string) error {
	r, err := o.Run(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run ID:        %s\n", r.RunID)
	fmt.Fprintf(w, "Outcome:       %s\n", r.Outcome)
	if r.FailedStage != "" {
		fmt.Fprintf(w, "Failed stage:  %s\n", r.FailedStage)
	}
	if r.FailedEntity != "" {
		fmt.Fprintf(w, "Failed entity: %s\n", r.FailedEntity)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:         %s\n", r.Error)
	}
	fmt.Fprintf(w, "Started:       %s\n", r.StartTime.Local().Format("2006-01-02 15:04:05"))
	if !r.EndTime.IsZero() {
		fmt.Fprintf(w, "Completed:     %s\n", r.EndTime.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Duration:      %s\n", r.Duration().Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Reverse sync:  %s (%d rows)\n", r.ReverseSync.Status, r.ReverseSync.Rows)
	fmt.Fprintf(w, "Flag reset:    %s\n", r.FlagReset)

	if len(r.Entities) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%-30s %-8s %10s %10s %10s  %s\n", "Entity", "Status", "Extracted", "Loaded", "Duration", "Error")
	for _, e := range r.Entities {
		fmt.Fprintf(w, "%-30s %-8s %10d %10d %10s  %s\n",
			e.Name, e.Status, e.RowsExtracted, e.RowsLoaded, e.Duration.Round(time.Millisecond), e.Error)
	}
	return nil
}

// ShowCatalog prints the resolved entity catalog in processing order.
func (o *Orchestrator) ShowCatalog(w io.Writer) {
	fmt.Fprintf(w, "%-4s %-30s %-45s %-35s %s\n", "#", "Entity", "Extraction", "Destination", "Keys")
	fmt.Fprintln(w, strings.Repeat("-", 130))
	for i, e := range o.catalog.Entries() {
		fmt.Fprintf(w, "%-4d %-30s %-45s %-35s %s\n",
			i+1, e.Name, e.Extraction, e.DestinationTable, strings.Join(e.KeyColumns(), ","))
	}
	rev := o.config.Reverse
	fmt.Fprintf(w, "\nReverse sync: %s -> %s (keys: %s)\n",
		rev.SourceTable, rev.MirrorTable, strings.Join(rev.KeyColumns, ","))
}
