package gate

import (
	"testing"
	"time"

	"github.com/signalforge/prospector/internal/model"
)

func testConfig() Config {
	return Config{
		HighThreshold:     0.70,
		MediumThreshold:   0.40,
		StrictMode:        true,
		AutoPushStatus:    "Source",
		NeedsReviewStatus: "Needs Review",
		Weights: map[string]float64{
			"incorporation": 0.25,
			"funding_event": 0.20,
			"github_spike":  0.20,
		},
		HalfLives: map[string]time.Duration{
			"incorporation": 365 * 24 * time.Hour,
			"funding_event": 180 * 24 * time.Hour,
			"github_spike":  14 * 24 * time.Hour,
		},
		TierMultipliers: map[string]float64{
			"tier1": 1.00,
			"tier2": 0.85,
		},
		SourceTiers: map[string]string{
			"companies_house": "tier1",
			"github":          "tier2",
			"sec":             "tier1",
		},
	}
}

func TestEvaluateEmptyInputHolds(t *testing.T) {
	r := Evaluate(testConfig(), nil, time.Now())
	if r.Decision != DecisionHold || r.Confidence != 0 {
		t.Fatalf("expected Hold/0 for empty input, got %+v", r)
	}
}

func TestEvaluateHardKillDominance(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.Weights["company_dissolved"] = 0
	signals := []model.Signal{
		{SignalType: model.SignalIncorporation, SourceAPI: "sec", Confidence: 0.9, DetectedAt: now.Add(-24 * time.Hour)},
		{SignalType: model.SignalCompanyDissolved, SourceAPI: "companies_house", Confidence: 1.0, DetectedAt: now.Add(-24 * time.Hour)},
	}
	r := Evaluate(cfg, signals, now)
	if r.Decision != DecisionReject {
		t.Fatalf("expected Reject regardless of other evidence, got %+v", r)
	}
}

func TestEvaluateMultiSourceAutoPush(t *testing.T) {
	now := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	// Weighted high enough, across two distinct types, that the 1.15x
	// multi-source boost clears high_threshold — the combinatorics spec.md's
	// scenario B describes narratively, reproduced numerically here.
	cfg.Weights["github_spike"] = 0.45
	cfg.Weights["incorporation"] = 0.45
	signals := []model.Signal{
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", Confidence: 0.7, DetectedAt: now.Add(-2 * 24 * time.Hour)},
		{SignalType: model.SignalIncorporation, SourceAPI: "companies_house", Confidence: 0.9, DetectedAt: now.Add(-10 * 24 * time.Hour)},
	}
	r := Evaluate(cfg, signals, now)
	if r.Decision != DecisionAutoPush {
		t.Fatalf("expected AutoPush, got %+v", r)
	}
	if r.Status != "Source" {
		t.Fatalf("expected auto_push_status applied, got %s", r.Status)
	}
}

func TestEvaluateStrictModeBlocksSingleSourceAutoPush(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.Weights["incorporation"] = 0.90 // high enough to clear high_threshold alone
	signals := []model.Signal{
		{SignalType: model.SignalIncorporation, SourceAPI: "companies_house", Confidence: 0.95, DetectedAt: now},
	}
	r := Evaluate(cfg, signals, now)
	if r.Decision == DecisionAutoPush {
		t.Fatalf("strict_mode should require multi-source for AutoPush, got %+v", r)
	}
	if r.Decision != DecisionNeedsReview {
		t.Fatalf("expected NeedsReview when strict_mode blocks single-source AutoPush, got %+v", r)
	}
}

func TestEvaluateNonStrictModeAllowsSingleSourceAutoPush(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.StrictMode = false
	cfg.Weights["incorporation"] = 0.90
	signals := []model.Signal{
		{SignalType: model.SignalIncorporation, SourceAPI: "companies_house", Confidence: 0.95, DetectedAt: now},
	}
	r := Evaluate(cfg, signals, now)
	if r.Decision != DecisionAutoPush {
		t.Fatalf("expected AutoPush with strict_mode=false, got %+v", r)
	}
}

func TestEvaluateAntiInflation(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	// Three github_spike signals must not out-weigh a single-type cap.
	signals := []model.Signal{
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", DetectedAt: now},
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", DetectedAt: now},
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", DetectedAt: now},
	}
	r := Evaluate(cfg, signals, now)
	if len(r.ContributingTypes) != 1 {
		t.Fatalf("expected exactly one contributing type, got %d: %v", len(r.ContributingTypes), r.ContributingTypes)
	}
	// Single type at full weight (0.20) * full tier2 multiplier (0.85) = 0.17, below any threshold.
	if r.Decision != DecisionHold {
		t.Fatalf("expected Hold since only one type contributes regardless of repeat count, got %+v", r)
	}
}

func TestEvaluateConfidenceNeverExceedsCap(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.Weights["signal_a"] = 1.0
	cfg.Weights["signal_b"] = 1.0
	cfg.Weights["signal_c"] = 1.0
	cfg.HalfLives["signal_a"] = 365 * 24 * time.Hour
	cfg.HalfLives["signal_b"] = 365 * 24 * time.Hour
	cfg.HalfLives["signal_c"] = 365 * 24 * time.Hour
	cfg.TierMultipliers["tier1"] = 1.0
	signals := []model.Signal{
		{SignalType: "signal_a", SourceAPI: "sec", DetectedAt: now},
		{SignalType: "signal_b", SourceAPI: "companies_house", DetectedAt: now},
		{SignalType: "signal_c", SourceAPI: "github", DetectedAt: now},
	}
	r := Evaluate(cfg, signals, now)
	if r.Confidence > 0.95 {
		t.Fatalf("confidence must be clamped to 0.95, got %f", r.Confidence)
	}
}

func TestEvaluateDecaysOldSignals(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	fresh := Evaluate(cfg, []model.Signal{
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", DetectedAt: now},
	}, now)
	stale := Evaluate(cfg, []model.Signal{
		{SignalType: model.SignalGithubSpike, SourceAPI: "github", DetectedAt: now.Add(-28 * 24 * time.Hour)},
	}, now)
	if stale.Confidence >= fresh.Confidence {
		t.Fatalf("expected decayed confidence to be lower: fresh=%f stale=%f", fresh.Confidence, stale.Confidence)
	}
}

func TestEvaluateWarningFlagsPenalty(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	clean := Evaluate(cfg, []model.Signal{
		{SignalType: model.SignalIncorporation, SourceAPI: "companies_house", DetectedAt: now, RawData: model.RawData{}},
	}, now)
	flagged := Evaluate(cfg, []model.Signal{
		{SignalType: model.SignalIncorporation, SourceAPI: "companies_house", DetectedAt: now, RawData: model.RawData{
			"warning_flags": []interface{}{"shell_company_pattern"},
		}},
	}, now)
	if flagged.Confidence >= clean.Confidence {
		t.Fatalf("expected warning flag to reduce confidence: clean=%f flagged=%f", clean.Confidence, flagged.Confidence)
	}
}
