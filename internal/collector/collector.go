// Package collector is the framework from spec.md §4.4: it wraps a
// concrete Source implementation and handles suppression checks, dedup
// against the store, per-signal error isolation, and accounting uniformly
// across every source.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/signalforge/prospector/internal/model"
	"github.com/signalforge/prospector/internal/signalstore"
)

// Candidate is a signal a Source produced, before suppression/dedup
// accounting and persistence.
type Candidate struct {
	SignalType         model.SignalType
	CanonicalKey       string
	CompanyName        string
	Confidence         float64
	RawData            model.RawData
	DetectedAt         time.Time
	SourceURL          string
	SourceResponseHash string
}

// Source is the fixed contract every concrete collector implements.
type Source interface {
	// Name is the collector's stable identity, used as signal.source_api.
	Name() string
	// SkipDuplicates reports this collector's dedup policy: whether a
	// canonical key that already has any signal on file should be skipped
	// rather than re-saved (true for one-time-event sources like
	// incorporation registries; false for sources that legitimately emit
	// repeat signals over time, like job postings).
	SkipDuplicates() bool
	Open(ctx context.Context) error
	Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]Candidate, error)
	Close(ctx context.Context) error
}

// Status is CollectorResult's outcome classification.
type Status string

const (
	StatusSuccess        Status = "Success"
	StatusPartialSuccess Status = "PartialSuccess"
	StatusDryRun         Status = "DryRun"
	StatusError          Status = "Error"
	StatusNotFound       Status = "NotFound"
)

// Result is the outcome of one collector run.
type Result struct {
	Collector          string
	Status             Status
	SignalsFound       int
	SignalsNew         int
	SignalsSuppressed  int
	DryRun             bool
	Errors             []string
	Timestamp          time.Time
}

// Framework runs a Source against a Store, applying the uniform
// suppress/dedup/save pipeline.
type Framework struct {
	store *signalstore.Store
}

// New builds a Framework bound to store.
func New(store *signalstore.Store) *Framework {
	return &Framework{store: store}
}

// Run executes one full open/collect/close cycle for src.
func (f *Framework) Run(ctx context.Context, src Source, lookback time.Duration, dryRun bool) Result {
	result := Result{Collector: src.Name(), DryRun: dryRun, Timestamp: time.Now().UTC()}

	if err := src.Open(ctx); err != nil {
		result.Status = StatusError
		result.Errors = append(result.Errors, fmt.Sprintf("open: %v", err))
		return result
	}
	defer src.Close(ctx)

	candidates, err := src.Collect(ctx, lookback, dryRun)
	if err != nil {
		result.Status = StatusError
		result.Errors = append(result.Errors, fmt.Sprintf("collect: %v", err))
		return result
	}
	result.SignalsFound = len(candidates)

	if len(candidates) == 0 {
		result.Status = StatusNotFound
		return result
	}

	for _, c := range candidates {
		if c.CanonicalKey == "" {
			result.Errors = append(result.Errors, "candidate missing canonical key")
			continue
		}

		suppressed, serr := f.store.CheckSuppression(ctx, c.CanonicalKey)
		if serr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check_suppression(%s): %v", c.CanonicalKey, serr))
			continue
		}
		if suppressed != nil {
			result.SignalsSuppressed++
			continue
		}

		if src.SkipDuplicates() {
			dup, derr := f.store.IsDuplicate(ctx, c.CanonicalKey)
			if derr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("is_duplicate(%s): %v", c.CanonicalKey, derr))
				continue
			}
			if dup {
				// Folded into the same accounting bucket as a suppression
				// hit: both represent "already accounted for, no new
				// write", keeping signals_found = new + suppressed + errors
				// exact (spec.md §8, testable property 7).
				result.SignalsSuppressed++
				continue
			}
		}

		if dryRun {
			// Counterfactual: this candidate cleared suppression and dedup
			// and would have been saved, so it counts as new for
			// signals_found = new + suppressed + errors (spec.md §8),
			// mirroring pusher.go's counterfactual OutcomePushed.
			result.SignalsNew++
			continue
		}

		sig := model.Signal{
			SignalType:         c.SignalType,
			SourceAPI:          src.Name(),
			CanonicalKey:       c.CanonicalKey,
			CompanyName:        c.CompanyName,
			Confidence:         c.Confidence,
			RawData:            c.RawData,
			DetectedAt:         c.DetectedAt,
			SourceURL:          c.SourceURL,
			SourceResponseHash: c.SourceResponseHash,
		}
		if _, _, serr := f.store.SaveSignal(ctx, sig); serr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("save_signal(%s): %v", c.CanonicalKey, serr))
			continue
		}
		result.SignalsNew++
	}

	switch {
	case dryRun:
		result.Status = StatusDryRun
	case len(result.Errors) > 0:
		result.Status = StatusPartialSuccess
	default:
		result.Status = StatusSuccess
	}
	return result
}
