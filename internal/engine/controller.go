// Package engine runs flag-gated sync cycles.
//
// A cycle reads the control flag, moves every catalog entity from the ERP
// into the scheduling database, copies scheduling results back, and resets
// the flag. The flag is reset only when every step succeeded; any failure
// leaves it at "S" so the next scheduled cycle retries.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/extract"
	"github.com/johndauphine/erp-aps-sync/internal/load"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/notify"
	"github.com/johndauphine/erp-aps-sync/internal/reverse"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
	"github.com/johndauphine/erp-aps-sync/internal/telemetry"
	"github.com/johndauphine/erp-aps-sync/internal/transform"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is active.
var ErrCycleInProgress = errors.New("sync cycle in progress")

// State is a step of the cycle state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateCheckingFlag   State = "CHECKING_FLAG"
	StateSkipped        State = "SKIPPED"
	StateExtracting     State = "EXTRACTING"
	StateTransforming   State = "TRANSFORMING"
	StateLoading        State = "LOADING"
	StateReverseSyncing State = "REVERSE_SYNCING"
	StateResettingFlag  State = "RESETTING_FLAG"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Terminal reports whether a new cycle may start from s.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateDone || s == StateFailed
}

// FlagGate reads and resets the control flag.
type FlagGate interface {
	Check(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
}

// Extractor starts background extractions.
type Extractor interface {
	Start(ctx context.Context, specs []catalog.EntitySpec, workers int) *extract.Batch
}

// Loader writes one entity.
type Loader interface {
	Load(ctx context.Context, spec catalog.EntitySpec, rows *transform.RowSet) (load.Result, error)
}

// ReverseSyncer copies scheduling results back to the ERP.
type ReverseSyncer interface {
	SyncBack(ctx context.Context) (reverse.Result, error)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, run *SyncRun) error
}

// Observer follows cycle progress, e.g. to drive a progress bar.
type Observer interface {
	CycleStarted(runID string, entities int)
	EntityFinished(name string, rows int64, err error)
	CycleFinished(run *SyncRun)
}

// Deps are the collaborators of a Controller. Gate, Extractor, Loader and
// Reverse are required.
type Deps struct {
	Gate      FlagGate
	Extractor Extractor
	Loader    Loader
	Reverse   ReverseSyncer
	Notifier  notify.Provider
	Recorder  Recorder
	Observer  Observer
	Metrics   *telemetry.Metrics
	// Workers bounds concurrent extractions (default 1).
	Workers int
}

// Controller runs cycles one at a time.
type Controller struct {
	catalog *catalog.Catalog
	deps    Deps

	mu    sync.Mutex
	state State
	last  *SyncRun
}

// New creates a Controller for cat.
func New(cat *catalog.Catalog, deps Deps) *Controller {
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi(nil)
	}
	return &Controller{catalog: cat, deps: deps, state: StateIdle}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent finished run, or nil.
func (c *Controller) Last() *SyncRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return false
	}
	c.state = StateCheckingFlag
	return true
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	logging.Debug("Cycle state: %s", s)
}

// RunCycle runs one cycle synchronously. A trigger while another cycle is
// active returns ErrCycleInProgress and produces no run. Otherwise the run is
// always returned; the error is non-nil when the outcome is FAILED or the
// flag could not be read.
func (c *Controller) RunCycle(ctx context.Context) (*SyncRun, error) {
	if !c.begin() {
		return nil, ErrCycleInProgress
	}

	run := newRun(c.catalog.Names())
	logging.SetRun(run.RunID)
	defer logging.SetRun("")
	ctx, span := telemetry.StartCycleSpan(ctx, run.RunID, c.catalog.Len())
	if c.deps.Observer != nil {
		c.deps.Observer.CycleStarted(run.RunID, c.catalog.Len())
	}
	logging.Info("Cycle %s: checking control flag", run.RunID)

	c.execute(ctx, run)

	run.EndTime = time.Now()
	final := StateDone
	if run.Outcome == OutcomeFailed {
		final = StateFailed
	}
	c.finish(ctx, run)
	telemetry.EndSpan(span, run.Err)

	c.mu.Lock()
	c.state = final
	c.last = run
	c.mu.Unlock()

	return run, run.Err
}

func (c *Controller) execute(ctx context.Context, run *SyncRun) {
	proceed, err := c.deps.Gate.Check(ctx)
	if err != nil {
		// An unreadable flag never counts as "S": skip without side effects.
		run.Outcome = OutcomeSkipped
		run.FailedStage = syncerr.StageFlagCheck
		run.Err = err
		run.Error = err.Error()
		c.setState(StateSkipped)
		logging.Warn("Cycle %s: flag check failed, skipping: %v", run.RunID, err)
		return
	}
	if !proceed {
		run.Outcome = OutcomeSkipped
		c.setState(StateSkipped)
		logging.Info("Cycle %s: control flag is not S, nothing to do", run.RunID)
		return
	}
	if !c.forward(ctx, run) {
		return
	}

	c.setState(StateReverseSyncing)
	if err := ctx.Err(); err != nil {
		run.fail(syncerr.StageReverseSync, "", err)
		return
	}
	rctx, rspan := telemetry.StartStageSpan(ctx, syncerr.StageReverseSync, "")
	res, err := c.deps.Reverse.SyncBack(rctx)
	telemetry.EndSpan(rspan, err)
	if err != nil {
		run.ReverseSync = StepResult{Status: StatusFailed, Error: err.Error()}
		run.fail(syncerr.StageReverseSync, "", err)
		return
	}
	run.ReverseSync = StepResult{Status: StatusSuccess, Rows: res.RowsCopied}
	c.deps.Metrics.ReverseCopied(ctx, res.RowsCopied)

	c.setState(StateResettingFlag)
	if err := ctx.Err(); err != nil {
		run.fail(syncerr.StageFlagReset, "", err)
		return
	}
	if err := c.deps.Gate.Reset(ctx); err != nil {
		run.FlagReset = StatusFailed
		run.fail(syncerr.StageFlagReset, "", err)
		return
	}
	run.FlagReset = StatusSuccess
	run.Outcome = OutcomeDone
}

// forward extracts, transforms and loads every entity in catalog order,
// stopping at the first failure. Entities loaded before the failure stay
// committed.
func (c *Controller) forward(ctx context.Context, run *SyncRun) bool {
	specs := c.catalog.Entries()

	c.setState(StateExtracting)
	batch := c.deps.Extractor.Start(ctx, specs, c.deps.Workers)
	defer batch.Close()

	for i, spec := range specs {
		res := &run.Entities[i]
		start := time.Now()

		stage, err := c.entity(ctx, batch, i, spec, res)
		res.Duration = time.Since(start)
		if c.deps.Observer != nil {
			c.deps.Observer.EntityFinished(spec.Name, res.RowsLoaded, err)
		}
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			if s, _ := syncerr.StageOf(err); s != "" {
				stage = s
			}
			run.fail(stage, spec.Name, err)
			logging.Error("Cycle %s: %s failed at %s: %v", run.RunID, spec.Name, stage, err)
			return false
		}
		res.Status = StatusSuccess
		logging.Info("Cycle %s: %s extracted %d, loaded %d rows (%v)",
			run.RunID, spec.Name, res.RowsExtracted, res.RowsLoaded, res.Duration.Round(time.Millisecond))
	}
	return true
}

// entity runs one entity through transform and load once its extraction is
// available. The returned stage is where err, if any, happened.
func (c *Controller) entity(ctx context.Context, batch *extract.Batch, i int, spec catalog.EntitySpec, res *EntityResult) (syncerr.Stage, error) {
	c.setState(StateExtracting)
	ectx, espan := telemetry.StartStageSpan(ctx, syncerr.StageExtract, spec.Name)
	rows, err := batch.Wait(ectx, i)
	telemetry.EndSpan(espan, err)
	if err != nil {
		return syncerr.StageExtract, err
	}
	res.RowsExtracted = rows.Len()
	c.deps.Metrics.EntityExtracted(ctx, spec.Name, rows.Len())

	c.setState(StateTransforming)
	if err := ctx.Err(); err != nil {
		return syncerr.StageTransform, err
	}
	out, err := transform.Transform(spec, rows)
	if err != nil {
		return syncerr.StageTransform, err
	}

	c.setState(StateLoading)
	if err := ctx.Err(); err != nil {
		return syncerr.StageLoad, err
	}
	lctx, lspan := telemetry.StartStageSpan(ctx, syncerr.StageLoad, spec.Name)
	loaded, err := c.deps.Loader.Load(lctx, spec, out)
	telemetry.EndSpan(lspan, err)
	if err != nil {
		return syncerr.StageLoad, err
	}
	res.RowsLoaded = loaded.RowsLoaded
	c.deps.Metrics.EntityLoaded(ctx, spec.Name, loaded.RowsLoaded)
	return "", nil
}

// finish notifies, records and logs a finished run. It runs detached from
// ctx's cancellation so a timed-out cycle still reports.
func (c *Controller) finish(ctx context.Context, run *SyncRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	switch {
	case run.Outcome == OutcomeFailed || run.Err != nil:
		report := notify.FailureReport{
			RunID:       run.RunID,
			CycleStart:  run.StartTime,
			FailedStage: run.FailedStage,
			Entity:      run.FailedEntity,
			Cause:       run.Err,
		}
		if err := c.deps.Notifier.CycleFailed(ctx, report); err != nil {
			logging.Warn("Cycle %s: sending failure alert: %v", run.RunID, err)
		}
	case run.Outcome == OutcomeDone:
		summary := notify.Summary{
			RunID:      run.RunID,
			CycleStart: run.StartTime,
			Duration:   run.Duration(),
			Entities:   len(run.Entities),
			RowsLoaded: run.RowsLoaded(),
			RowsCopied: run.ReverseSync.Rows,
		}
		if err := c.deps.Notifier.CycleCompleted(ctx, summary); err != nil {
			logging.Warn("Cycle %s: sending completion notice: %v", run.RunID, err)
		}
	}

	c.deps.Metrics.CycleFinished(ctx, string(run.Outcome), run.Duration())

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.Record(ctx, run); err != nil {
			logging.Warn("Cycle %s: recording history: %v", run.RunID, err)
		}
	}
	if c.deps.Observer != nil {
		c.deps.Observer.CycleFinished(run)
	}

	switch run.Outcome {
	case OutcomeDone:
		logging.Info("Cycle %s: DONE in %v (%d rows loaded, %d copied back, flag reset)",
			run.RunID, run.Duration().Round(time.Millisecond), run.RowsLoaded(), run.ReverseSync.Rows)
	case OutcomeFailed:
		logging.Error("Cycle %s: FAILED at %s; control flag left at S", run.RunID, run.FailedStage)
	}
}
