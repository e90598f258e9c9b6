package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
)

// Update is one JSON progress line for schedulers and wrappers.
type Update struct {
	Timestamp        string `json:"timestamp"`
	RunID            string `json:"run_id"`
	Phase            string `json:"phase"`
	EntitiesComplete int    `json:"entities_complete"`
	EntitiesTotal    int    `json:"entities_total"`
	Entity           string `json:"entity,omitempty"`
	RowsLoaded       int64  `json:"rows_loaded"`
	ErrorCount       int    `json:"error_count,omitempty"`
	Error            string `json:"error,omitempty"`
}

// JSONReporter writes Update lines, one per event, to a writer
// (typically stderr). It implements engine.Observer.
type JSONReporter struct {
	writer io.Writer

	mu       sync.Mutex
	runID    string
	total    int
	complete int
	errors   int
	rows     int64
	closed   bool
}

// NewJSONReporter creates a JSON reporter writing to w (stderr when nil).
func NewJSONReporter(w io.Writer) *JSONReporter {
	if w == nil {
		w = os.Stderr
	}
	return &JSONReporter{writer: w}
}

func (r *JSONReporter) CycleStarted(runID string, entities int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID, r.total = runID, entities
	r.complete, r.errors, r.rows = 0, 0, 0
	r.emit(Update{Phase: "started"})
}

func (r *JSONReporter) EntityFinished(name string, rows int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete++
	r.rows += rows
	u := Update{Phase: "entity", Entity: name}
	if err != nil {
		r.errors++
		u.Error = err.Error()
	}
	r.emit(u)
}

func (r *JSONReporter) CycleFinished(run *engine.SyncRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(Update{Phase: string(run.Outcome), Error: run.Error})
}

// Close stops further output.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// emit must be called with r.mu held.
func (r *JSONReporter) emit(u Update) {
	if r.closed {
		return
	}
	u.Timestamp = time.Now().Format(time.RFC3339)
	u.RunID = r.runID
	u.EntitiesComplete = r.complete
	u.EntitiesTotal = r.total
	u.RowsLoaded = r.rows
	u.ErrorCount = r.errors

	data, err := json.Marshal(u)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
}

// Multi fans events out to several observers.
type Multi []engine.Observer

func (m Multi) CycleStarted(runID string, entities int) {
	for _, o := range m {
		o.CycleStarted(runID, entities)
	}
}

func (m Multi) EntityFinished(name string, rows int64, err error) {
	for _, o := range m {
		o.EntityFinished(name, rows, err)
	}
}

func (m Multi) CycleFinished(run *engine.SyncRun) {
	for _, o := range m {
		o.CycleFinished(run)
	}
}

var (
	_ engine.Observer = (*Tracker)(nil)
	_ engine.Observer = (*JSONReporter)(nil)
	_ engine.Observer = Multi(nil)
)
