package orchestrator

import (
	"context"
	"sync"
	"time"
)

// HealthCheckResult is the outcome of the check command.
type HealthCheckResult struct {
	Timestamp string `json:"timestamp"`
	Healthy   bool   `json:"healthy"`

	SourceDBType    string `json:"source_db_type"`
	SourceConnected bool   `json:"source_connected"`
	SourceLatencyMs int64  `json:"source_latency_ms"`
	SourceError     string `json:"source_error,omitempty"`

	DestinationDBType    string `json:"destination_db_type"`
	DestinationConnected bool   `json:"destination_connected"`
	DestinationLatencyMs int64  `json:"destination_latency_ms"`
	DestinationError     string `json:"destination_error,omitempty"`

	FlagName  string `json:"flag_name"`
	FlagValue string `json:"flag_value,omitempty"`
	FlagError string `json:"flag_error,omitempty"`

	Entities int `json:"entities"`
}

// HealthCheck pings both stores in parallel, each with its own timeout,
// and reads the control flag once the source answers.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp:         time.Now().Format(time.RFC3339),
		SourceDBType:      o.source.DBType(),
		DestinationDBType: o.dest.DBType(),
		FlagName:          o.gate.Name(),
		Entities:          o.catalog.Len(),
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		srcCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.source.Ping(srcCtx); err != nil {
			result.SourceError = err.Error()
		} else {
			result.SourceConnected = true
			if v, err := o.gate.Value(srcCtx); err != nil {
				result.FlagError = err.Error()
			} else {
				result.FlagValue = v
			}
		}
		result.SourceLatencyMs = time.Since(start).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		destCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()

		if err := o.dest.Ping(destCtx); err != nil {
			result.DestinationError = err.Error()
		} else {
			result.DestinationConnected = true
		}
		result.DestinationLatencyMs = time.Since(start).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.SourceConnected && result.DestinationConnected && result.FlagError == ""
	return result, nil
}
