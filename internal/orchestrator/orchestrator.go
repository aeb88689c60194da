// Package orchestrator wires every component into the subcommands from
// spec.md §4.9: collect, process, sync, full, stats, health. It owns
// process-wide construction (store, HTTP client, CRM connector, gate
// config) the way the teacher's cmd/appserver wires its Service set before
// handing control to main.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalforge/prospector/infrastructure/config"
	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/infrastructure/logging"
	"github.com/signalforge/prospector/infrastructure/metrics"
	"github.com/signalforge/prospector/infrastructure/ratelimit"
	"github.com/signalforge/prospector/infrastructure/resilience"
	"github.com/signalforge/prospector/internal/collector"
	"github.com/signalforge/prospector/internal/collector/sources"
	"github.com/signalforge/prospector/internal/crm"
	"github.com/signalforge/prospector/internal/gate"
	"github.com/signalforge/prospector/internal/pusher"
	"github.com/signalforge/prospector/internal/signalstore"
	"github.com/signalforge/prospector/internal/suppression"
)

// Orchestrator binds every component together and exposes one method per
// CLI subcommand.
type Orchestrator struct {
	cfg     config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	store      *signalstore.Store
	client     *httpclient.Client
	connector  *crm.Connector
	pusher     *pusher.Pusher
	syncer     *suppression.Syncer
	framework  *collector.Framework
	collectors map[string]collector.Source
	pingURLs   map[string]string
}

// New constructs every component from cfg, registering its metrics against
// registerer (pass nil in tests to skip registration; cmd/prospector passes
// the process-wide registry backing its /metrics endpoint). The returned
// Orchestrator owns the store's database handle; callers must call Close.
func New(cfg config.Config, log *logging.Logger, registerer prometheus.Registerer) (*Orchestrator, error) {
	if log == nil {
		log = logging.New("orchestrator", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}

	store, err := signalstore.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	rateLimits := make(map[string]ratelimit.Config, len(cfg.RateLimits))
	for k, v := range cfg.RateLimits {
		rateLimits[k] = ratelimit.Config{PerSecond: v.PerSecond, Burst: v.Burst}
	}
	client := httpclient.New(httpclient.Config{
		Timeout: cfg.HTTPTimeout,
		RetryConfig: resilience.RetryConfig{
			MaxAttempts:  cfg.HTTPRetries,
			InitialDelay: cfg.HTTPBackoffBase,
			MaxDelay:     cfg.HTTPBackoffMax,
		},
		RateLimits: rateLimits,
		Fallback:   ratelimit.Config{PerSecond: 2, Burst: 2},
	}, logging.New("httpclient", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}))

	connector := crm.New(client, crm.Config{
		APIKey:            cfg.CRMAPIKey,
		DatabaseID:        cfg.CRMDatabaseID,
		SchemaCacheTTL:    cfg.CRMSchemaCacheTTL,
		StatusAutoPush:    cfg.CRMStatusAutoPush,
		StatusNeedsReview: cfg.CRMStatusNeedsReview,
		StatusTerminal:    cfg.CRMStatusTerminal,
	})

	gateCfg := gate.Config{
		HighThreshold:     cfg.GateHighThreshold,
		MediumThreshold:   cfg.GateMediumThreshold,
		StrictMode:        cfg.GateStrictMode,
		AutoPushStatus:    cfg.CRMStatusAutoPush,
		NeedsReviewStatus: cfg.CRMStatusNeedsReview,
		Weights:           cfg.GateWeights,
		HalfLives:         cfg.GateHalfLives,
		TierMultipliers:   cfg.GateTierMultipliers,
		SourceTiers:       cfg.GateSourceTiers,
	}

	allSources, pingURLs := buildSources(cfg, client)
	enabled := make(map[string]collector.Source, len(cfg.CollectorsEnabled))
	for _, name := range cfg.CollectorsEnabled {
		if src, ok := allSources[name]; ok {
			enabled[name] = src
		}
	}

	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		metrics:    metrics.NewWithRegistry(registerer),
		store:      store,
		client:     client,
		connector:  connector,
		pusher:     pusher.New(store, connector, gateCfg),
		syncer:     suppression.New(connector, store),
		framework:  collector.New(store),
		collectors: enabled,
		pingURLs:   pingURLs,
	}, nil
}

// Close releases the store's database handle.
func (o *Orchestrator) Close() error { return o.store.Close() }

// buildSources constructs every named Source from cfg, and a parallel map
// of each collector's base URL for Health's reachability check.
func buildSources(cfg config.Config, client *httpclient.Client) (map[string]collector.Source, map[string]string) {
	apiKey := func(name string) string { return cfg.CollectorAPIKeys[name] }
	baseURL := func(name string) string { return cfg.CollectorBaseURLs[name] }

	all := map[string]collector.Source{
		"sec_edgar":        sources.NewSECEdgar(client, baseURL("sec_edgar")),
		"companies_house":  sources.NewCompaniesHouse(client, baseURL("companies_house"), apiKey("companies_house")),
		"crunchbase":       sources.NewCrunchbase(client, baseURL("crunchbase"), apiKey("crunchbase")),
		"github_activity":  sources.NewGithubActivity(client, baseURL("github_activity"), apiKey("github_activity"), cfg.GithubSearchTopics),
		"domain_registry":  sources.NewDomainRegistry(client, baseURL("domain_registry"), cfg.DomainRegistryTLDs),
		"uspto":            sources.NewUSPTO(client, baseURL("uspto"), apiKey("uspto")),
		"producthunt":      sources.NewProductHunt(client, baseURL("producthunt"), apiKey("producthunt")),
		"hackernews":       sources.NewHackerNews(client, baseURL("hackernews")),
		"arxiv":            sources.NewArxiv(client, baseURL("arxiv"), nil),
		"jobboard":         sources.NewJobBoard(client, baseURL("jobboard"), cfg.JobBoardQueries),
	}

	pingURLs := map[string]string{}
	for name := range all {
		if u := baseURL(name); u != "" {
			pingURLs[name] = u
		}
	}
	return all, pingURLs
}

// Collect runs the named collectors (or every enabled one if names is
// empty), accumulating one Result per collector. A single collector's
// failure never aborts the others.
func (o *Orchestrator) Collect(ctx context.Context, names []string, lookback time.Duration, dryRun bool) ([]collector.Result, error) {
	targets := o.collectors
	if len(names) > 0 {
		targets = make(map[string]collector.Source, len(names))
		for _, n := range names {
			if src, ok := o.collectors[n]; ok {
				targets[n] = src
			}
		}
	}

	results := make([]collector.Result, 0, len(targets))
	for name, src := range targets {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		result := o.framework.Run(ctx, src, lookback, dryRun)
		o.metrics.CollectorRunsTotal.WithLabelValues(name, string(result.Status)).Inc()
		o.metrics.CollectorSignalsFound.WithLabelValues(name).Add(float64(result.SignalsFound))
		o.metrics.CollectorSignalsNew.WithLabelValues(name).Add(float64(result.SignalsNew))
		o.metrics.CollectorSignalsSuppressed.WithLabelValues(name).Add(float64(result.SignalsSuppressed))
		o.metrics.CollectorErrorsTotal.WithLabelValues(name).Add(float64(len(result.Errors)))
		o.metrics.CollectorRunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		results = append(results, result)
	}
	return results, nil
}

// Process runs the Notion Pusher once.
func (o *Orchestrator) Process(ctx context.Context, limit int, dryRun bool) (pusher.BatchResult, error) {
	start := time.Now()
	result, err := o.pusher.Run(ctx, pusher.Config{Limit: limit, DryRun: dryRun})
	o.metrics.PusherBatchDuration.Observe(time.Since(start).Seconds())
	o.metrics.PusherOutcomesTotal.WithLabelValues("pushed").Add(float64(result.Pushed))
	o.metrics.PusherOutcomesTotal.WithLabelValues("rejected").Add(float64(result.Rejected))
	o.metrics.PusherOutcomesTotal.WithLabelValues("held").Add(float64(result.Held))
	o.metrics.PusherOutcomesTotal.WithLabelValues("skipped").Add(float64(result.Skipped))
	o.metrics.PusherOutcomesTotal.WithLabelValues("failed").Add(float64(result.Failed))
	return result, err
}

// Sync runs the Suppression Sync once.
func (o *Orchestrator) Sync(ctx context.Context, ttl time.Duration, dryRun bool) (suppression.Stats, error) {
	stats, err := o.syncer.Run(ctx, suppression.Config{TTL: ttl, DryRun: dryRun})
	o.metrics.SuppressionSyncDuration.Observe(stats.Duration.Seconds())
	if err != nil {
		o.metrics.SuppressionSyncErrors.Inc()
	}
	return stats, err
}

// Warmup runs a one-shot Suppression Sync with the configured
// SuppressionTTL so collectors and the pusher see a fresh cache (spec.md
// §4.9 "Warmup"). Neither New nor cmd/prospector calls it; it runs only
// when a caller invokes it.
func (o *Orchestrator) Warmup(ctx context.Context) error {
	_, err := o.Sync(ctx, o.cfg.SuppressionTTL, false)
	return err
}

// FullResult is the composite outcome of the full pipeline.
type FullResult struct {
	Sync     suppression.Stats
	Collect  []collector.Result
	Process  pusher.BatchResult
}

// Full runs sync, then collect, then process in order, per spec.md §4.9.
// Every phase already isolates its own per-item failures into its result
// (a failed collector source, a failed prospect push); an error returned
// here is by construction a store-level failure, which is fatal to the
// enclosing phase.
func (o *Orchestrator) Full(ctx context.Context, names []string, lookback, ttl time.Duration, dryRun bool) (FullResult, error) {
	var out FullResult

	syncStats, err := o.Sync(ctx, ttl, dryRun)
	out.Sync = syncStats
	if err != nil {
		return out, fmt.Errorf("orchestrator: full: sync: %w", err)
	}

	results, err := o.Collect(ctx, names, lookback, dryRun)
	out.Collect = results
	if err != nil {
		return out, fmt.Errorf("orchestrator: full: collect: %w", err)
	}

	batch, err := o.Process(ctx, 0, dryRun)
	out.Process = batch
	if err != nil {
		return out, fmt.Errorf("orchestrator: full: process: %w", err)
	}

	return out, nil
}

// Stats dumps the Signal Store's aggregate stats.
func (o *Orchestrator) Stats(ctx context.Context) (signalstore.Stats, error) {
	return o.store.GetStats(ctx)
}

// HealthReport is health's structured result.
type HealthReport struct {
	StoreOK       bool
	StoreError    string
	SchemaOK      bool
	SchemaError   string
	SourcesOK     map[string]bool
	SourcesErrors map[string]string
}

// Health checks store connectivity, pings each configured source, and
// preflights the CRM schema.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		SourcesOK:     map[string]bool{},
		SourcesErrors: map[string]string{},
	}

	if _, err := o.store.GetStats(ctx); err != nil {
		report.StoreError = err.Error()
	} else {
		report.StoreOK = true
	}

	schemaReport, err := o.connector.ValidateSchema(ctx, true)
	if err != nil {
		report.SchemaError = err.Error()
	} else {
		report.SchemaOK = schemaReport.Valid()
		if !report.SchemaOK {
			report.SchemaError = schemaReport.String()
		}
	}

	for name := range o.collectors {
		url, configured := o.pingURLs[name]
		if !configured {
			report.SourcesOK[name] = true // no override configured, assume production endpoint reachable
			continue
		}
		if err := pingURL(ctx, url); err != nil {
			report.SourcesOK[name] = false
			report.SourcesErrors[name] = err.Error()
		} else {
			report.SourcesOK[name] = true
		}
	}

	return report
}

func pingURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
