package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// Outcome is the final result of a cycle.
type Outcome string

const (
	OutcomeSkipped Outcome = "SKIPPED"
	OutcomeDone    Outcome = "DONE"
	OutcomeFailed  Outcome = "FAILED"
)

// Status is the result of one step within a cycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusNotRun  Status = "not_run"
)

// EntityResult is one entity's share of a SyncRun.
type EntityResult struct {
	Name          string        `json:"name" yaml:"name"`
	RowsExtracted int           `json:"rows_extracted" yaml:"rows_extracted"`
	RowsLoaded    int64         `json:"rows_loaded" yaml:"rows_loaded"`
	Status        Status        `json:"status" yaml:"status"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration      time.Duration `json:"duration_ns" yaml:"duration"`
}

// StepResult records the reverse sync.
type StepResult struct {
	Status Status `json:"status" yaml:"status"`
	Rows   int64  `json:"rows" yaml:"rows"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// SyncRun is the execution record of one cycle.
type SyncRun struct {
	RunID        string         `json:"run_id" yaml:"run_id"`
	StartTime    time.Time      `json:"start_time" yaml:"start_time"`
	EndTime      time.Time      `json:"end_time" yaml:"end_time"`
	Entities     []EntityResult `json:"entities" yaml:"entities"`
	ReverseSync  StepResult     `json:"reverse_sync" yaml:"reverse_sync"`
	FlagReset    Status         `json:"flag_reset" yaml:"flag_reset"`
	Outcome      Outcome        `json:"outcome" yaml:"outcome"`
	FailedStage  syncerr.Stage  `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	FailedEntity string         `json:"failed_entity,omitempty" yaml:"failed_entity,omitempty"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`

	// Err is the error behind Error; it is not persisted.
	Err error `json:"-" yaml:"-"`
}

func newRun(names []string) *SyncRun {
	run := &SyncRun{
		RunID:       uuid.New().String()[:8],
		StartTime:   time.Now(),
		Entities:    make([]EntityResult, len(names)),
		ReverseSync: StepResult{Status: StatusNotRun},
		FlagReset:   StatusNotRun,
	}
	for i, n := range names {
		run.Entities[i] = EntityResult{Name: n, Status: StatusPending}
	}
	return run
}

// Duration returns the elapsed time of a finished run.
func (r *SyncRun) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// RowsLoaded totals rows loaded across entities.
func (r *SyncRun) RowsLoaded() int64 {
	var n int64
	for _, e := range r.Entities {
		n += e.RowsLoaded
	}
	return n
}

// Entity returns the result for name, or nil.
func (r *SyncRun) Entity(name string) *EntityResult {
	for i := range r.Entities {
		if r.Entities[i].Name == name {
			return &r.Entities[i]
		}
	}
	return nil
}

func (r *SyncRun) fail(stage syncerr.Stage, entity string, err error) {
	r.Outcome = OutcomeFailed
	r.FailedStage = stage
	r.FailedEntity = entity
	r.Err = err
	r.Error = err.Error()
	for i := range r.Entities {
		if r.Entities[i].Status == StatusPending {
			r.Entities[i].Status = StatusNotRun
		}
	}
}
