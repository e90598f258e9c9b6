package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	ctx := context.Background()
	m.EntityExtracted(ctx, "itens", 10)
	m.EntityLoaded(ctx, "itens", 10)
	m.ReverseCopied(ctx, 3)
	m.CycleFinished(ctx, "DONE", time.Second)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.EntityExtracted(ctx, "itens", 1)
	m.EntityLoaded(ctx, "itens", 1)
	m.ReverseCopied(ctx, 1)
	m.CycleFinished(ctx, "FAILED", time.Second)
}

func TestSpans(t *testing.T) {
	ctx, cycle := StartCycleSpan(context.Background(), "abc12345", 12)
	_, stage := StartStageSpan(ctx, syncerr.StageLoad, "recursos")
	EndSpan(stage, errors.New("boom"))
	EndSpan(cycle, nil)
}
