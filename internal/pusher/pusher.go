// Package pusher implements the batch processor from spec.md §4.7: group
// pending signals by canonical key, run the verification gate, and push
// AutoPush/NeedsReview prospects to the CRM, mirroring the teacher's
// worker-pool batch runners (services/indexer's bounded-concurrency drain
// loop): one goroutine per prospect, with a semaphore channel capping how
// many run at once.
package pusher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/internal/crm"
	"github.com/signalforge/prospector/internal/gate"
	"github.com/signalforge/prospector/internal/model"
	"github.com/signalforge/prospector/internal/signalstore"
)

// Config tunes one batch run.
type Config struct {
	Limit      int  // 0 means no cap
	Workers    int  // bounded worker pool size, default 4
	DryRun     bool
}

// ProspectOutcome is the per-prospect result recorded into a BatchResult.
type ProspectOutcome string

const (
	OutcomePushed  ProspectOutcome = "Pushed"
	OutcomeRejected ProspectOutcome = "Rejected"
	OutcomeHeld    ProspectOutcome = "Held"
	OutcomeSkipped ProspectOutcome = "Skipped"
	OutcomeFailed  ProspectOutcome = "Failed"
)

// BatchResult is the outcome of one full pusher run.
type BatchResult struct {
	ProspectsTotal int
	Pushed         int
	Rejected       int
	Held           int
	Skipped        int
	Failed         int
	ErrorMessages  []string
	DryRun         bool
	Cancelled      bool
	SchemaInvalid  bool
	StartedAt      time.Time
	Duration       time.Duration
}

// String renders the structured per-phase summary spec.md §6.2 requires:
// counts, duration, enumerated errors.
func (r BatchResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "prospects=%d pushed=%d rejected=%d held=%d skipped=%d failed=%d dry_run=%t duration=%s",
		r.ProspectsTotal, r.Pushed, r.Rejected, r.Held, r.Skipped, r.Failed, r.DryRun, r.Duration)
	if r.Cancelled {
		b.WriteString(" cancelled=true")
	}
	for _, msg := range r.ErrorMessages {
		fmt.Fprintf(&b, "\n  error: %s", msg)
	}
	return b.String()
}

// HasFailures reports whether any prospect in this batch ended Failed.
func (r BatchResult) HasFailures() bool { return r.Failed > 0 }

// HasSchemaFailure reports whether the CRM schema preflight rejected an
// upsert and aborted the rest of the batch; the caller maps this to a
// harder failure than an ordinary per-prospect error.
func (r BatchResult) HasSchemaFailure() bool { return r.SchemaInvalid }

// Pusher binds a Store, a CRM Connector and a gate Config into the batch
// processor.
type Pusher struct {
	store   *signalstore.Store
	crm     *crm.Connector
	gateCfg gate.Config
}

// New builds a Pusher.
func New(store *signalstore.Store, connector *crm.Connector, gateCfg gate.Config) *Pusher {
	return &Pusher{store: store, crm: connector, gateCfg: gateCfg}
}

// Run executes one full batch: load pending signals, group into prospects,
// evaluate the gate, and act on the decision. A single prospect's failure
// never aborts the batch (spec.md §4.7 point 4); ctx cancellation does,
// reporting a partial BatchResult with Cancelled=true.
func (p *Pusher) Run(ctx context.Context, cfg Config) (BatchResult, error) {
	started := time.Now().UTC()
	result := BatchResult{StartedAt: started, DryRun: cfg.DryRun}

	signals, err := p.store.GetPendingSignals(ctx, cfg.Limit, "")
	if err != nil {
		result.Duration = time.Since(started)
		return result, fmt.Errorf("pusher: load pending signals: %w", err)
	}

	prospects := groupByCanonicalKey(signals)
	result.ProspectsTotal = len(prospects)
	if len(prospects) == 0 {
		result.Duration = time.Since(started)
		return result, nil
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	type outcome struct {
		kind ProspectOutcome
		err  string
	}
	outcomes := make([]outcome, len(prospects))

	// workCtx is cancelled the moment any worker observes a schema-invalid
	// upsert failure, so no further prospect is dispatched once the CRM
	// schema is known bad (spec.md §7: ErrSchemaInvalid is fatal to the
	// phase, not a per-prospect failure like any other upsert error).
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var schemaInvalid atomic.Bool

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, prospect := range prospects {
		if workCtx.Err() != nil {
			mu.Lock()
			if ctx.Err() != nil {
				result.Cancelled = true
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, prospect model.Prospect) {
			defer wg.Done()
			defer func() { <-sem }()
			kind, errMsg, fatal := p.processProspect(workCtx, prospect, cfg.DryRun)
			outcomes[i] = outcome{kind: kind, err: errMsg}
			if fatal {
				schemaInvalid.Store(true)
				cancelWork()
			}
		}(i, prospect)
	}
	wg.Wait()

	for _, o := range outcomes {
		switch o.kind {
		case OutcomePushed:
			result.Pushed++
		case OutcomeRejected:
			result.Rejected++
		case OutcomeHeld:
			result.Held++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFailed:
			result.Failed++
		}
		if o.err != "" {
			result.ErrorMessages = append(result.ErrorMessages, o.err)
		}
	}

	result.SchemaInvalid = schemaInvalid.Load()
	if ctx.Err() != nil {
		result.Cancelled = true
	}
	result.Duration = time.Since(started)
	return result, nil
}

// processProspect runs the gate and the corresponding CRM/store action for
// one prospect. dryRun executes (gate + payload synthesis) but performs no
// network call and no store mutation. The third return reports whether the
// failure was ErrSchemaInvalid, which callers treat as fatal to the whole
// batch rather than this one prospect.
func (p *Pusher) processProspect(ctx context.Context, prospect model.Prospect, dryRun bool) (ProspectOutcome, string, bool) {
	now := time.Now().UTC()
	verdict := gate.Evaluate(p.gateCfg, prospect.Signals, now)

	switch verdict.Decision {
	case gate.DecisionAutoPush, gate.DecisionNeedsReview:
		payload := buildPayload(prospect, verdict)
		if dryRun {
			return OutcomePushed, "", false
		}
		result, err := p.crm.UpsertProspect(ctx, payload)
		if err != nil {
			if errors.Is(err, apperrors.ErrSchemaInvalid) {
				return OutcomeFailed, fmt.Sprintf("upsert_prospect(%s): %v", prospect.CanonicalKey, err), true
			}
			// Permanent failure: do not mark_rejected, signals stay Pending
			// for reconsideration on the next batch (spec.md §4.7.3.c).
			return OutcomeFailed, fmt.Sprintf("upsert_prospect(%s): %v", prospect.CanonicalKey, err), false
		}
		if result.Action == crm.ActionSkipped {
			return OutcomeSkipped, "", false
		}
		for _, s := range prospect.Signals {
			if err := p.store.MarkPushed(ctx, s.ID, result.CRMPageID, nil); err != nil {
				return OutcomeFailed, fmt.Sprintf("mark_pushed(signal=%d): %v", s.ID, err), false
			}
		}
		return OutcomePushed, "", false

	case gate.DecisionReject:
		if dryRun {
			return OutcomeRejected, "", false
		}
		for _, s := range prospect.Signals {
			if err := p.store.MarkRejected(ctx, s.ID, "hard_kill_or_low_confidence", nil); err != nil {
				return OutcomeFailed, fmt.Sprintf("mark_rejected(signal=%d): %v", s.ID, err), false
			}
		}
		return OutcomeRejected, "", false

	default: // Hold
		return OutcomeHeld, "", false
	}
}

// groupByCanonicalKey partitions signals into one Prospect per canonical
// key, in a stable order (sorted by key) so BatchResult ordering is
// deterministic across runs even though prospect processing is concurrent.
func groupByCanonicalKey(signals []model.Signal) []model.Prospect {
	buckets := map[string][]model.Signal{}
	for _, s := range signals {
		buckets[s.CanonicalKey] = append(buckets[s.CanonicalKey], s)
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prospects := make([]model.Prospect, 0, len(keys))
	for _, k := range keys {
		prospects = append(prospects, model.BuildProspect(k, buckets[k]))
	}
	return prospects
}

// buildPayload synthesizes the CRM upsert payload per spec.md §4.7.3.b:
// discovery id derived from the canonical key, company name from the
// latest signal, confidence and signal types from the gate verdict and
// prospect aggregation, and a deterministic "why now" summary.
func buildPayload(prospect model.Prospect, verdict gate.Result) crm.UpsertPayload {
	types := make([]string, 0, len(prospect.SignalTypes))
	for _, t := range prospect.SignalTypes {
		types = append(types, string(t))
	}

	return crm.UpsertPayload{
		CanonicalKey:  prospect.CanonicalKey,
		Status:        verdict.Status,
		Confidence:    verdict.Confidence,
		SignalTypes:   types,
		WhyNow:        whyNow(prospect, verdict),
		StageEstimate: stageEstimate(prospect),
		DiscoveryID:   discoveryID(prospect.CanonicalKey),
	}
}

// whyNow renders the deterministic templated justification string: sources
// + confidence + latest signal date.
func whyNow(prospect model.Prospect, verdict gate.Result) string {
	sources := append([]string(nil), prospect.SourceAPIs...)
	sort.Strings(sources)
	return fmt.Sprintf(
		"Signal from %s (confidence %.2f) as of %s",
		strings.Join(sources, ", "), verdict.Confidence, prospect.LatestAt.Format("2006-01-02"),
	)
}

// stageEstimate applies a small heuristic over the prospect's observed
// signal types; it is an optional CRM property, left empty when no
// heuristic applies.
func stageEstimate(prospect model.Prospect) string {
	hasFunding := false
	hasIncorporation := false
	for _, t := range prospect.SignalTypes {
		switch t {
		case model.SignalFundingEvent:
			hasFunding = true
		case model.SignalIncorporation:
			hasIncorporation = true
		}
	}
	switch {
	case hasFunding:
		return "Seed"
	case hasIncorporation:
		return "Pre-Seed"
	default:
		return ""
	}
}

// discoveryID derives a stable, opaque id from the canonical key so the
// same prospect always gets the same CRM-visible discovery id across runs.
func discoveryID(canonicalKey string) string {
	sum := sha1.Sum([]byte(canonicalKey))
	return "disc_" + hex.EncodeToString(sum[:])[:12]
}
