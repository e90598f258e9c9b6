package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// Provider delivers cycle outcome notifications.
type Provider interface {
	// CycleFailed reports a FAILED cycle, or a skipped cycle whose flag
	// check could not reach the source store.
	CycleFailed(ctx context.Context, report FailureReport) error

	// CycleCompleted reports a DONE cycle that moved data.
	CycleCompleted(ctx context.Context, summary Summary) error
}

// FailureReport describes why a cycle failed.
type FailureReport struct {
	RunID       string
	CycleStart  time.Time
	FailedStage syncerr.Stage
	Entity      string
	Cause       error
}

// Context names where the failure happened, e.g. "load (recursos)".
func (r FailureReport) Context() string {
	stage := string(r.FailedStage)
	if stage == "" {
		stage = "cycle"
	}
	if r.Entity != "" {
		return fmt.Sprintf("%s (%s)", stage, r.Entity)
	}
	return stage
}

// Summary describes a completed cycle.
type Summary struct {
	RunID      string
	CycleStart time.Time
	Duration   time.Duration
	Entities   int
	RowsLoaded int64
	RowsCopied int64
}

const maxSummary = 200

// Summarize condenses err to its innermost cause's leading clause, the part
// before the first ':', capped at 200 bytes without splitting a character.
func Summarize(err error) string {
	if err == nil {
		return "unknown error"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	msg, _, _ := strings.Cut(err.Error(), ":")
	msg = strings.TrimSpace(msg)
	return truncate(msg, maxSummary)
}

// Message renders the alert body sent through the mail procedure.
func Message(r FailureReport) string {
	return fmt.Sprintf("Falha identificada durante: %s\n\nErro: %s", r.Context(), Summarize(r.Cause))
}

// Multi fans notifications out to every provider, returning the joined
// errors of those that failed.
type Multi []Provider

func (m Multi) CycleFailed(ctx context.Context, report FailureReport) error {
	var errs []error
	for _, p := range m {
		if err := p.CycleFailed(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) CycleCompleted(ctx context.Context, summary Summary) error {
	var errs []error
	for _, p := range m {
		if err := p.CycleCompleted(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Provider = Multi(nil)
	_ Provider = (*Notifier)(nil)
	_ Provider = (*Procedure)(nil)
)
