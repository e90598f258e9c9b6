package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
)

// Tracker renders a terminal progress bar over the entities of a cycle.
type Tracker struct {
	writer io.Writer

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	total  int
	done   int
	failed int
	rows   int64
}

// New creates a tracker that writes to w (stderr when nil).
func New(w io.Writer) *Tracker {
	if w == nil {
		w = os.Stderr
	}
	return &Tracker{writer: w}
}

var isTerminal = term.IsTerminal

// Enabled reports whether a progress bar should be drawn on w for mode
// ("auto", "always" or "never"). Auto draws only when w is a terminal.
func Enabled(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	return ok && isTerminal(int(f.Fd()))
}

// CycleStarted resets the bar for a new cycle.
func (t *Tracker) CycleStarted(runID string, entities int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = entities
	t.done, t.failed, t.rows = 0, 0, 0
	t.bar = progressbar.NewOptions(
		entities,
		progressbar.OptionSetWriter(t.writer),
		progressbar.OptionSetDescription(fmt.Sprintf("Cycle %s", runID)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("entities"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// EntityFinished advances the bar by one entity.
func (t *Tracker) EntityFinished(name string, rows int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done++
	t.rows += rows
	if err != nil {
		t.failed++
	}
	if t.bar == nil {
		return
	}
	if err != nil {
		t.bar.Describe(fmt.Sprintf("%s failed", name))
	} else {
		t.bar.Describe(fmt.Sprintf("Loaded %s", name))
	}
	_ = t.bar.Add(1)
}

// CycleFinished closes the bar and logs a one-line summary.
func (t *Tracker) CycleFinished(run *engine.SyncRun) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(t.writer)
		t.bar = nil
	}
	if run.Outcome == engine.OutcomeSkipped {
		return
	}
	logging.Info("Cycle %s: %d/%d entities, %d failed, %d rows in %s",
		run.RunID, t.done, t.total, t.failed, t.rows, run.Duration().Round(time.Millisecond))
}

// Done returns the entities finished so far.
func (t *Tracker) Done() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
