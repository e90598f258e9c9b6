// Package schedule triggers sync cycles on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
)

// Runner runs one cycle.
type Runner interface {
	RunCycle(ctx context.Context) (*engine.SyncRun, error)
}

// Scheduler fires Runner.RunCycle on every tick of a cron expression
// ("@every 5m", "*/10 * * * *"). A tick that arrives while a cycle is
// still running is rejected by the runner and logged.
type Scheduler struct {
	spec    string
	runner  Runner
	timeout time.Duration
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	ticks  int
	busy   int
	failed int
}

// Parse validates a schedule expression.
func Parse(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// New creates a scheduler. timeout bounds each cycle; zero means none.
func New(spec string, r Runner, timeout time.Duration) (*Scheduler, error) {
	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		spec:    spec,
		runner:  r,
		timeout: timeout,
		cron:    cron.New(),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing. Cycles run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	logging.Info("Scheduler started (%s)", s.spec)
}

// Next returns the next fire time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits for an active cycle to finish,
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logging.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for active cycle: %w", ctx.Err())
	}
}

// Stats returns ticks fired, ticks rejected as busy and failed cycles.
func (s *Scheduler) Stats() (ticks, busy, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.busy, s.failed
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.ticks++
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	s.Trigger(ctx)
}

// Trigger runs one cycle now and logs its outcome.
func (s *Scheduler) Trigger(ctx context.Context) *engine.SyncRun {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	run, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, engine.ErrCycleInProgress):
		s.mu.Lock()
		s.busy++
		s.mu.Unlock()
		logging.Warn("Skipping trigger: previous cycle still running")
		return nil
	case err != nil:
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		if run != nil {
			logging.Error("Cycle %s failed: %v", run.RunID, err)
		} else {
			logging.Error("Cycle failed: %v", err)
		}
		return run
	}

	if run.Outcome == engine.OutcomeSkipped {
		logging.Debug("Cycle %s skipped: flag not set", run.RunID)
	} else {
		logging.Info("Cycle %s %s in %s", run.RunID, run.Outcome, run.Duration().Round(time.Millisecond))
	}
	return run
}
