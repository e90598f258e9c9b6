package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the sync metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	Cycles        metric.Int64Counter
	RowsExtracted metric.Int64Counter
	RowsLoaded    metric.Int64Counter
	RowsCopied    metric.Int64Counter
	CycleDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.Cycles, err = meter.Int64Counter("aps_sync.cycles",
		metric.WithDescription("Number of sync cycles by outcome"))
	if err != nil {
		return nil, err
	}

	m.RowsExtracted, err = meter.Int64Counter("aps_sync.rows_extracted",
		metric.WithDescription("Rows extracted from the ERP by entity"))
	if err != nil {
		return nil, err
	}

	m.RowsLoaded, err = meter.Int64Counter("aps_sync.rows_loaded",
		metric.WithDescription("Rows upserted into the scheduling database by entity"))
	if err != nil {
		return nil, err
	}

	m.RowsCopied, err = meter.Int64Counter("aps_sync.rows_copied",
		metric.WithDescription("Scheduling rows copied back to the ERP"))
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("aps_sync.cycle.duration_seconds",
		metric.WithDescription("Cycle duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// EntityExtracted records rows extracted for entity.
func (m *Metrics) EntityExtracted(ctx context.Context, entity string, rows int) {
	if m == nil {
		return
	}
	m.RowsExtracted.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("entity", entity)))
}

// EntityLoaded records rows loaded for entity.
func (m *Metrics) EntityLoaded(ctx context.Context, entity string, rows int64) {
	if m == nil {
		return
	}
	m.RowsLoaded.Add(ctx, rows, metric.WithAttributes(attribute.String("entity", entity)))
}

// ReverseCopied records rows copied by the reverse sync.
func (m *Metrics) ReverseCopied(ctx context.Context, rows int64) {
	if m == nil {
		return
	}
	m.RowsCopied.Add(ctx, rows)
}

// CycleFinished records a cycle's outcome and duration.
func (m *Metrics) CycleFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Cycles.Add(ctx, 1, attrs)
	m.CycleDuration.Record(ctx, d.Seconds(), attrs)
}
