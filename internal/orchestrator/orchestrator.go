// Package orchestrator wires configuration, stores and the sync engine
// into the operations exposed by the command line.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/extract"
	"github.com/johndauphine/erp-aps-sync/internal/flag"
	"github.com/johndauphine/erp-aps-sync/internal/history"
	"github.com/johndauphine/erp-aps-sync/internal/load"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/notify"
	"github.com/johndauphine/erp-aps-sync/internal/progress"
	"github.com/johndauphine/erp-aps-sync/internal/reverse"
	"github.com/johndauphine/erp-aps-sync/internal/schedule"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/telemetry"

	// Register store drivers.
	_ "github.com/johndauphine/erp-aps-sync/internal/store/mssql"
	_ "github.com/johndauphine/erp-aps-sync/internal/store/postgres"
)

// Options configures orchestrator behavior beyond the config file.
type Options struct {
	// StateFile selects the YAML history backend, overriding sync.state_file.
	StateFile string
	// ProgressJSON receives one JSON line per cycle event when set.
	ProgressJSON io.Writer
}

// Orchestrator owns the stores and the cycle controller.
type Orchestrator struct {
	config     *config.Config
	source     store.Store
	dest       store.Store
	catalog    *catalog.Catalog
	gate       *flag.Gate
	history    history.Backend
	controller *engine.Controller
	reporter   *progress.JSONReporter
}

// New opens both stores and builds an orchestrator.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions opens both stores and builds an orchestrator.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	src, err := store.Open(ctx, cfg.Source, store.Options{Role: "source", RowsPerBatch: cfg.Sync.UpsertBatchSize})
	if err != nil {
		return nil, err
	}
	dest, err := store.Open(ctx, cfg.Destination, store.Options{Role: "destination", RowsPerBatch: cfg.Sync.UpsertBatchSize})
	if err != nil {
		src.Close()
		return nil, err
	}
	logging.Debug("Source pool: %s", src.PoolStats())
	logging.Debug("Destination pool: %s", dest.PoolStats())

	o, err := NewWithStores(ctx, cfg, src, dest, opts)
	if err != nil {
		src.Close()
		dest.Close()
		return nil, err
	}
	return o, nil
}

// NewWithStores builds an orchestrator over already-open stores. The
// orchestrator takes ownership of them.
func NewWithStores(ctx context.Context, cfg *config.Config, src, dest store.Store, opts Options) (*Orchestrator, error) {
	cat, err := buildCatalog(ctx, cfg, dest)
	if err != nil {
		return nil, err
	}

	stateFile := cfg.Sync.StateFile
	if opts.StateFile != "" {
		stateFile = opts.StateFile
	}
	hist, err := history.Open(ctx, cfg.Sync.DataDir, stateFile)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	var notifiers notify.Multi
	if slack := notify.New(&cfg.Slack); slack.IsEnabled() {
		notifiers = append(notifiers, slack)
	}
	if proc := notify.NewProcedure(src, cfg.AlertProcedure); proc.IsEnabled() {
		notifiers = append(notifiers, proc)
	}

	o := &Orchestrator{
		config:  cfg,
		source:  src,
		dest:    dest,
		catalog: cat,
		gate:    flag.New(src, cfg.Flag),
		history: hist,
	}

	var observers progress.Multi
	if progress.Enabled(cfg.Sync.Progress, os.Stderr) {
		observers = append(observers, progress.New(os.Stderr))
	}
	if opts.ProgressJSON != nil {
		o.reporter = progress.NewJSONReporter(opts.ProgressJSON)
		observers = append(observers, o.reporter)
	}

	deps := engine.Deps{
		Gate:      o.gate,
		Extractor: extract.New(src),
		Loader:    load.New(dest),
		Reverse:   reverse.New(dest, src, cfg.Reverse),
		Recorder:  history.Retained(hist, cfg.Sync.HistoryDays),
		Metrics:   metrics,
		Workers:   cfg.Sync.Workers,
	}
	if len(notifiers) > 0 {
		deps.Notifier = notifiers
	}
	if len(observers) > 0 {
		deps.Observer = observers
	}
	o.controller = engine.New(cat, deps)
	return o, nil
}

func buildCatalog(ctx context.Context, cfg *config.Config, dest store.Store) (*catalog.Catalog, error) {
	entities := cfg.Entities
	if cfg.Sync.QueriesFile != "" {
		fromFile, err := catalog.LoadQueriesFile(cfg.Sync.QueriesFile, cfg.Destination.Schema)
		if err != nil {
			return nil, err
		}
		entities = append(append([]config.EntityConfig(nil), entities...), fromFile...)
	}

	specs, err := catalog.FromConfig(entities, cfg.Destination.Schema)
	if err != nil {
		return nil, err
	}
	specs, err = catalog.Resolve(ctx, dest, specs)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(specs)
	if err != nil {
		return nil, err
	}
	logging.Debug("Catalog: %d entities", cat.Len())
	return cat, nil
}

// Close releases all resources.
func (o *Orchestrator) Close() {
	if o.reporter != nil {
		o.reporter.Close()
	}
	if err := o.history.Close(); err != nil {
		logging.Warn("Closing run history: %v", err)
	}
	o.source.Close()
	o.dest.Close()
}

// Catalog returns the resolved entity catalog.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.catalog }

// Controller returns the cycle controller.
func (o *Orchestrator) Controller() *engine.Controller { return o.controller }

// RunOnce runs a single cycle bounded by sync.cycle_timeout.
func (o *Orchestrator) RunOnce(ctx context.Context) (*engine.SyncRun, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.CycleTimeoutDuration())
	defer cancel()

	logging.Info("Starting cycle: %d entities, %d extraction workers", o.catalog.Len(), o.config.Sync.Workers)
	return o.controller.RunCycle(ctx)
}

// Serve triggers cycles on sync.schedule until ctx is cancelled. An active
// cycle is given grace to finish before it is cancelled.
func (o *Orchestrator) Serve(ctx context.Context, grace time.Duration) error {
	sched, err := schedule.New(o.config.Sync.Schedule, o.controller, o.config.CycleTimeoutDuration())
	if err != nil {
		return err
	}

	// Cycles outlive the shutdown signal until the grace period ends.
	cycleCtx, cancelCycles := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCycles()

	sched.Start(cycleCtx)
	logging.Info("Serving %d entities on %q; next cycle at %s",
		o.catalog.Len(), o.config.Sync.Schedule, sched.Next().Format(time.RFC3339))

	<-ctx.Done()
	logging.Info("Shutting down, waiting for the active cycle")

	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logging.Warn("Active cycle still running after %s, cancelling it", grace)
		cancelCycles()
		waitCtx, cancelWait := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelWait()
		if err := sched.Stop(waitCtx); err != nil {
			return err
		}
	}

	ticks, busy, failed := sched.Stats()
	logging.Info("Served %d triggers (%d busy, %d failed)", ticks, busy, failed)
	return nil
}
