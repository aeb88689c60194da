// Package gate implements the verification/routing gate from spec.md
// §4.5: a pure function that aggregates the signals sharing one canonical
// key into a confidence score and a routing decision. No I/O, no storage
// handle — callers (the pusher) own persistence side effects.
package gate

import (
	"math"
	"time"

	"github.com/signalforge/prospector/internal/model"
)

// Decision is the gate's routing outcome.
type Decision string

const (
	DecisionAutoPush    Decision = "AutoPush"
	DecisionNeedsReview Decision = "NeedsReview"
	DecisionHold        Decision = "Hold"
	DecisionReject      Decision = "Reject"
)

// Config carries every tuned constant the confidence model and decision
// rule depend on (spec.md §6.4's gate.* options).
type Config struct {
	HighThreshold     float64
	MediumThreshold   float64
	StrictMode        bool
	AutoPushStatus    string
	NeedsReviewStatus string
	Weights           map[string]float64
	HalfLives         map[string]time.Duration
	TierMultipliers   map[string]float64
	SourceTiers       map[string]string
}

// Result is the gate's full verdict for one canonical key's signal set.
type Result struct {
	Decision      Decision
	Status        string // CRM status to apply, set only for AutoPush/NeedsReview
	Confidence    float64
	ContributingTypes []model.SignalType
}

// Evaluate is the pure confidence/decision function. now is injected so the
// age-decay computation is deterministic under test; production callers
// pass time.Now().
func Evaluate(cfg Config, signals []model.Signal, now time.Time) Result {
	if len(signals) == 0 {
		return Result{Decision: DecisionHold, Confidence: 0}
	}

	for _, s := range signals {
		if model.IsHardKill(s.SignalType) {
			return Result{Decision: DecisionReject, Confidence: 0}
		}
	}

	// Anti-inflation: at most one contribution per signal type, the
	// strongest post-decay.
	bestPerType := map[model.SignalType]float64{}
	for _, s := range signals {
		weight := cfg.Weights[string(s.SignalType)]
		if weight <= 0 {
			continue
		}
		halfLife := cfg.HalfLives[string(s.SignalType)]
		if halfLife <= 0 {
			halfLife = 90 * 24 * time.Hour
		}
		ageDays := now.Sub(s.DetectedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Pow(0.5, ageDays/(halfLife.Hours()/24))
		tier := cfg.SourceTiers[s.SourceAPI]
		mult := cfg.TierMultipliers[tier]
		if mult <= 0 {
			mult = 0.50 // unrecognized source is treated as Tier 4 (unverified)
		}

		contribution := weight * decay * mult
		if contribution > bestPerType[s.SignalType] {
			bestPerType[s.SignalType] = contribution
		}
	}

	var base float64
	var contributing []model.SignalType
	for t, v := range bestPerType {
		base += v
		contributing = append(contributing, t)
	}

	distinctSources := map[string]bool{}
	warningFlags := 0
	for _, s := range signals {
		distinctSources[s.SourceAPI] = true
		if flags, ok := s.RawData["warning_flags"].([]interface{}); ok {
			warningFlags += len(flags)
		}
	}

	multiSource := len(distinctSources) >= 2
	switch {
	case len(distinctSources) >= 3:
		base *= 1.30
	case multiSource:
		base *= 1.15
	}

	base -= 0.15 * float64(warningFlags)

	confidence := clamp(base, 0.0, 0.95)

	decision := DecisionHold
	status := ""
	switch {
	case confidence >= cfg.HighThreshold && (multiSource || !cfg.StrictMode):
		decision = DecisionAutoPush
		status = cfg.AutoPushStatus
	case confidence >= cfg.MediumThreshold:
		decision = DecisionNeedsReview
		status = cfg.NeedsReviewStatus
	}

	return Result{
		Decision:          decision,
		Status:            status,
		Confidence:        confidence,
		ContributingTypes: contributing,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
