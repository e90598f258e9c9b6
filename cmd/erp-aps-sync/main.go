package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/engine"
	"github.com/johndauphine/erp-aps-sync/internal/exitcodes"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/orchestrator"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "erp-aps-sync",
		Usage:   "Flag-gated synchronization between the ERP and the APS scheduling database",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "YAML file with stores, flag, entities and schedule",
				EnvVars: []string{"ERP_APS_SYNC_CONFIG"},
			},
			&cli.StringFlag{Name: "state-file", Usage: "Keep run history in this YAML file instead of SQLite"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
			&cli.StringFlag{Name: "verbosity", Value: "info", Usage: "debug, info, warn or error"},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one cycle now (skipped unless the control flag is set)",
				Action: runCycle,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "output-json", Usage: "Print the run record as JSON on stdout; logs move to stderr"},
					&cli.StringFlag{Name: "output-file", Usage: "Also write the run record as JSON to this file"},
					&cli.BoolFlag{Name: "progress-json", Usage: "Emit one JSON progress line per entity on stderr"},
				},
			},
			{
				Name:   "serve",
				Usage:  "Trigger cycles on sync.schedule until interrupted",
				Action: withOrchestrator(serve),
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "grace", Value: 5 * time.Minute, Usage: "How long shutdown waits for the active cycle"},
				},
			},
			{
				Name:   "check",
				Usage:  "Ping both stores and read the control flag",
				Action: withOrchestrator(check),
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print the result as JSON"}},
			},
			{
				Name:   "validate",
				Usage:  "Compare the entity catalog against the live table schemas",
				Action: withOrchestrator(validate),
			},
			{
				Name:   "history",
				Usage:  "List recorded runs, or show one with --run",
				Action: withOrchestrator(showHistory),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID to show"},
					&cli.IntFlag{Name: "limit", Value: orchestrator.DefaultHistoryLimit, Usage: "Runs to list"},
					&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
				},
			},
			{
				Name:  "catalog",
				Usage: "Print the resolved entity catalog",
				Action: withOrchestrator(func(_ context.Context, _ *cli.Context, o *orchestrator.Orchestrator) error {
					o.ShowCatalog(os.Stdout)
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, exitcodes.Description(code))
		os.Exit(code)
	}
}

func setupLogging(c *cli.Context) error {
	level, err := logging.ParseLevel(c.String("verbosity"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	logging.SetLevel(level)
	logging.SetFormat(c.String("log-format"))
	return nil
}

type action func(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator) error

// withOrchestrator opens the stores for the duration of one command and
// cancels its context on SIGINT or SIGTERM.
func withOrchestrator(fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		return runWith(c, orchestrator.Options{}, fn)
	}
}

func runWith(c *cli.Context, opts orchestrator.Options, fn action) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	opts.StateFile = stateFile(c)
	o, err := orchestrator.NewWithOptions(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer o.Close()
	return fn(ctx, c, o)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

// stateFile honors --state-file given before or after the command name.
func stateFile(c *cli.Context) string {
	for _, lc := range c.Lineage() {
		if lc != nil && lc.String("state-file") != "" {
			return lc.String("state-file")
		}
	}
	return ""
}

func runCycle(c *cli.Context) error {
	jsonOut := c.Bool("output-json")
	if jsonOut {
		logging.SetOutput(os.Stderr)
	}
	var opts orchestrator.Options
	if c.Bool("progress-json") {
		opts.ProgressJSON = os.Stderr
	}

	return runWith(c, opts, func(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator) error {
		run, err := o.RunOnce(ctx)
		if errors.Is(err, engine.ErrCycleInProgress) {
			return exitcodes.NewExitError(err, exitcodes.Busy)
		}
		if run == nil {
			return err
		}

		if jsonOut {
			if werr := writeJSON(os.Stdout, run); werr != nil {
				logging.Warn("Could not print run record: %v", werr)
			}
		} else {
			fmt.Printf("Cycle %s: %s in %s (%d rows loaded, %d rows copied back)\n",
				run.RunID, run.Outcome, run.Duration().Round(time.Millisecond), run.RowsLoaded(), run.ReverseSync.Rows)
		}
		if path := c.String("output-file"); path != "" {
			if werr := writeJSONFile(path, run); werr != nil {
				logging.Warn("Could not write %s: %v", path, werr)
			}
		}
		return err
	})
}

func serve(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator) error {
	return o.Serve(ctx, c.Duration("grace"))
}

func check(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator) error {
	res, err := o.HealthCheck(ctx)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		printStore("Source", res.SourceDBType, res.SourceConnected, res.SourceLatencyMs, res.SourceError)
		printStore("Destination", res.DestinationDBType, res.DestinationConnected, res.DestinationLatencyMs, res.DestinationError)
		if res.FlagError != "" {
			fmt.Printf("Flag %-14s ERROR: %s\n", res.FlagName, res.FlagError)
		} else {
			fmt.Printf("Flag %-14s %q\n", res.FlagName, res.FlagValue)
		}
		fmt.Printf("Entities:        %d\n", res.Entities)
	}

	if !res.Healthy {
		return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func printStore(role, dbType string, ok bool, latency int64, errMsg string) {
	status := fmt.Sprintf("OK (%dms)", latency)
	if !ok {
		status = "FAILED: " + errMsg
	}
	fmt.Printf("%-12s %-9s %s\n", role+":", dbType, status)
}

func validate(ctx context.Context, _ *cli.Context, o *orchestrator.Orchestrator) error {
	_, err := o.Validate(ctx)
	return err
}

func showHistory(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator) error {
	runID := c.String("run")
	if !c.Bool("json") {
		if runID != "" {
			return o.ShowRunDetails(ctx, os.Stdout, runID)
		}
		return o.ShowHistory(ctx, os.Stdout, c.Int("limit"))
	}

	if runID != "" {
		run, err := o.Run(ctx, runID)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, run)
	}
	runs, err := o.History(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, runs)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := writeJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
