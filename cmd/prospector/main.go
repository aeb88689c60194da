// Command prospector runs the prospect-discovery pipeline's subcommands:
// collect, process, sync, full, stats, health. It wires the orchestrator
// once per invocation and exits with the codes from spec.md §6.2, in the
// manual flag.FlagSet dispatch style of the teacher's cmd/slctl.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/signalforge/prospector/infrastructure/config"
	"github.com/signalforge/prospector/infrastructure/logging"
	"github.com/signalforge/prospector/internal/orchestrator"
)

func main() {
	err := run(context.Background(), os.Args[1:])
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// cliError carries the exit code a failure should produce (spec.md §6.2).
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return 1
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return &cliError{code: 2, err: fmt.Errorf("no command specified")}
	}

	cmd, rest := args[0], args[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return nil
	}

	cfg, err := config.Load(os.Getenv("PROSPECTOR_DOTENV"))
	if err != nil {
		return &cliError{code: 2, err: fmt.Errorf("load config: %w", err)}
	}

	log := logging.New("prospector", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	orch, err := orchestrator.New(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return &cliError{code: 4, err: fmt.Errorf("initialize: %w", err)}
	}
	defer orch.Close()

	switch cmd {
	case "collect":
		return runCollect(ctx, orch, rest)
	case "process":
		return runProcess(ctx, orch, rest)
	case "sync":
		return runSync(ctx, orch, rest)
	case "full":
		return runFull(ctx, orch, log, rest)
	case "stats":
		return runStats(ctx, orch, rest)
	case "health":
		return runHealth(ctx, orch, rest)
	default:
		printUsage()
		return &cliError{code: 2, err: fmt.Errorf("unknown command %q", cmd)}
	}
}

func printUsage() {
	fmt.Println(`prospector - prospect-discovery pipeline

Usage:
  prospector collect [--collectors=NAME[,NAME...]] [--dry-run] [--lookback-days=N]
  prospector process [--limit=N] [--dry-run]
  prospector sync    [--ttl-days=N] [--dry-run]
  prospector full    [--collectors=...] [--dry-run] [--lookback-days=N] [--ttl-days=N] [--schedule=CRON]
  prospector stats
  prospector health  [--json]

Configuration is loaded from PROSPECTOR_-prefixed environment variables,
optionally preceded by a .env file at $PROSPECTOR_DOTENV.`)
}

func runCollect(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	collectors := fs.String("collectors", "", "comma-separated collector names (default: all enabled)")
	dryRun := fs.Bool("dry-run", false, "run without writing to the store")
	lookbackDays := fs.Int("lookback-days", 7, "lookback window in days")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	var names []string
	if *collectors != "" {
		names = strings.Split(*collectors, ",")
	}

	results, err := orch.Collect(ctx, names, time.Duration(*lookbackDays)*24*time.Hour, *dryRun)
	if err != nil {
		return &cliError{code: 4, err: err}
	}

	partial := false
	for _, r := range results {
		fmt.Printf("collector=%s status=%s found=%d new=%d suppressed=%d errors=%d\n",
			r.Collector, r.Status, r.SignalsFound, r.SignalsNew, r.SignalsSuppressed, len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if len(r.Errors) > 0 {
			partial = true
		}
	}
	if partial {
		return &cliError{code: 1, err: fmt.Errorf("one or more collectors reported errors")}
	}
	return nil
}

func runProcess(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum pending signals to load (0 = no cap)")
	dryRun := fs.Bool("dry-run", false, "run without mutating the store or the CRM")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	result, err := orch.Process(ctx, *limit, *dryRun)
	if err != nil {
		return &cliError{code: 4, err: err}
	}
	printBatchResult(result)
	return batchExitError(result)
}

func printBatchResult(result interface {
	String() string
}) {
	fmt.Println(result.String())
}

func runSync(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	ttlDays := fs.Int("ttl-days", 7, "suppression cache entry lifetime in days")
	dryRun := fs.Bool("dry-run", false, "run without mutating the store")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	stats, err := orch.Sync(ctx, time.Duration(*ttlDays)*24*time.Hour, *dryRun)
	if err != nil {
		return &cliError{code: 4, err: err}
	}
	fmt.Printf("fetched=%d strong_key=%d weak_key=%d unresolvable=%d synced=%d expired_cleaned=%d duration=%s\n",
		stats.RecordsFetched, stats.WithStrongKey, stats.WithWeakKey, stats.Unresolvable,
		stats.Synced, stats.ExpiredCleaned, stats.Duration)
	return nil
}

func runFull(ctx context.Context, orch *orchestrator.Orchestrator, log *logging.Logger, args []string) error {
	fs := flag.NewFlagSet("full", flag.ContinueOnError)
	collectors := fs.String("collectors", "", "comma-separated collector names (default: all enabled)")
	dryRun := fs.Bool("dry-run", false, "run without mutating the store or the CRM")
	lookbackDays := fs.Int("lookback-days", 7, "lookback window in days")
	ttlDays := fs.Int("ttl-days", 7, "suppression cache entry lifetime in days")
	schedule := fs.String("schedule", "", "cron expression; when set, runs full repeatedly instead of once")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve /metrics on this address while scheduled")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	var names []string
	if *collectors != "" {
		names = strings.Split(*collectors, ",")
	}
	lookback := time.Duration(*lookbackDays) * 24 * time.Hour
	ttl := time.Duration(*ttlDays) * 24 * time.Hour

	runOnce := func() error {
		result, err := orch.Full(ctx, names, lookback, ttl, *dryRun)
		if err != nil {
			log.WithError(err).Error("full run failed")
			return err
		}
		fmt.Printf("sync: fetched=%d synced=%d\n", result.Sync.RecordsFetched, result.Sync.Synced)
		for _, r := range result.Collect {
			fmt.Printf("collect[%s]: status=%s found=%d new=%d\n", r.Collector, r.Status, r.SignalsFound, r.SignalsNew)
		}
		fmt.Println(result.Process.String())
		return nil
	}

	if *schedule == "" {
		if err := runOnce(); err != nil {
			return &cliError{code: 4, err: err}
		}
		return nil
	}

	return runScheduled(ctx, *schedule, *metricsAddr, log, runOnce)
}

// runScheduled runs fn on the cron schedule until interrupted by SIGINT or
// SIGTERM, optionally serving Prometheus metrics for the daemon's lifetime.
func runScheduled(ctx context.Context, schedule, metricsAddr string, log *logging.Logger, fn func() error) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(normalizeCronExpr(schedule), func() {
		if err := fn(); err != nil {
			log.WithError(err).Warn("scheduled full run reported an error")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid --schedule %q: %w", schedule, err)
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	c.Start()
	log.WithFields(map[string]interface{}{"schedule": schedule}).Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// normalizeCronExpr accepts the conventional 5-field cron syntax and pads a
// leading seconds field of 0, since cron.New is constructed WithSeconds.
func normalizeCronExpr(expr string) string {
	if len(strings.Fields(expr)) == 5 {
		return "0 " + expr
	}
	return expr
}

func runStats(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	stats, err := orch.Stats(ctx)
	if err != nil {
		return &cliError{code: 4, err: err}
	}

	if *asJSON {
		return encodeJSON(os.Stdout, stats)
	}
	fmt.Printf("signals_by_type=%v\nprocessing_by_status=%v\nactive_suppression_entries=%d\n",
		stats.SignalsByType, stats.ProcessingByStatus, stats.ActiveSuppressionEntries)
	return nil
}

func runHealth(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "emit JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return &cliError{code: 2, err: err}
	}

	report := orch.Health(ctx)

	if *asJSON {
		if err := encodeJSON(os.Stdout, report); err != nil {
			return &cliError{code: 1, err: err}
		}
	} else {
		fmt.Printf("store_ok=%t schema_ok=%t\n", report.StoreOK, report.SchemaOK)
		if report.StoreError != "" {
			fmt.Printf("store_error=%s\n", report.StoreError)
		}
		if report.SchemaError != "" {
			fmt.Printf("schema_error=%s\n", report.SchemaError)
		}
		for name, ok := range report.SourcesOK {
			fmt.Printf("source[%s] ok=%t", name, ok)
			if msg, exists := report.SourcesErrors[name]; exists {
				fmt.Printf(" error=%s", msg)
			}
			fmt.Println()
		}
	}

	switch {
	case !report.StoreOK:
		return &cliError{code: 4, err: fmt.Errorf("store unhealthy: %s", report.StoreError)}
	case !report.SchemaOK:
		return &cliError{code: 3, err: fmt.Errorf("schema preflight failed: %s", report.SchemaError)}
	case len(report.SourcesErrors) > 0:
		return &cliError{code: 1, err: fmt.Errorf("%d collector source(s) unreachable", len(report.SourcesErrors))}
	}
	return nil
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// batchExitError maps a pusher BatchResult to the exit code from spec.md
// §6.2: a schema-invalid failure aborts with 3 (the CRM's required
// properties are missing and every push will keep failing the same way),
// any other recorded failure is a partial failure (1).
func batchExitError(result interface {
	HasSchemaFailure() bool
	HasFailures() bool
}) error {
	switch {
	case result.HasSchemaFailure():
		return &cliError{code: 3, err: fmt.Errorf("CRM schema preflight failed")}
	case result.HasFailures():
		return &cliError{code: 1, err: fmt.Errorf("one or more prospects failed to push")}
	}
	return nil
}
