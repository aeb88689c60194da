// Package model defines the entities shared across the signal-processing
// backbone: Signal, ProcessingRecord, SuppressionEntry, and the transient
// Prospect aggregation. See spec.md §3.
package model

import (
	"sort"
	"time"
)

// SignalType enumerates the source-specific event kinds a collector can
// produce.
type SignalType string

const (
	SignalIncorporation      SignalType = "incorporation"
	SignalFundingEvent       SignalType = "funding_event"
	SignalGithubSpike        SignalType = "github_spike"
	SignalDomainRegistration SignalType = "domain_registration"
	SignalPatentFiling       SignalType = "patent_filing"
	SignalProductLaunch      SignalType = "product_launch"
	SignalHNMention          SignalType = "hn_mention"
	SignalResearchPaper      SignalType = "research_paper"
	SignalJobPosting         SignalType = "job_posting"
	SignalCompanyDissolved   SignalType = "company_dissolved"
)

// HardKillTypes are signal types that, if present anywhere in an
// aggregation, force the verification gate to Reject regardless of other
// evidence (spec.md §3, "hard-kill dominance").
var HardKillTypes = map[SignalType]bool{
	SignalCompanyDissolved: true,
}

// IsHardKill reports whether t unconditionally routes a prospect to Reject.
func IsHardKill(t SignalType) bool { return HardKillTypes[t] }

// ProcessingStatus is the lifecycle state of a ProcessingRecord.
type ProcessingStatus string

const (
	StatusPending  ProcessingStatus = "Pending"
	StatusPushed   ProcessingStatus = "Pushed"
	StatusRejected ProcessingStatus = "Rejected"
)

// RawData is the opaque, schema-free blob a collector attaches to a Signal.
// Consumers must not assume any field beyond what the producing collector
// documents for its own signal type (spec.md §9).
type RawData map[string]interface{}

// Signal is the unit of external evidence ingested by a collector.
type Signal struct {
	ID                 int64
	SignalType         SignalType
	SourceAPI          string
	CanonicalKey       string
	CompanyName        string
	Confidence         float64
	RawData            RawData
	DetectedAt         time.Time
	CreatedAt          time.Time
	SourceURL          string
	SourceResponseHash string
}

// ProcessingRecord tracks the outcome decided for one Signal.
type ProcessingRecord struct {
	SignalID     int64
	Status       ProcessingStatus
	CRMPageID    string
	ProcessedAt  *time.Time
	ErrorMessage string
	Metadata     map[string]interface{}
}

// SuppressionEntry mirrors one CRM record, keyed by canonical key.
type SuppressionEntry struct {
	CanonicalKey string
	CRMPageID    string
	Status       string
	CompanyName  string
	CachedAt     time.Time
	ExpiresAt    time.Time
	Metadata     map[string]interface{}
}

// Expired reports whether the entry is stale as of now.
func (e SuppressionEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Prospect is the ephemeral aggregation of every signal sharing one
// canonical key, built by the pusher (spec.md §3).
type Prospect struct {
	CanonicalKey  string
	Signals       []Signal
	SignalTypes   []SignalType
	SourceAPIs    []string
	RawData       RawData
	EarliestAt    time.Time
	LatestAt      time.Time
	IsMultiSource bool
}

// BuildProspect aggregates signals (assumed to share one canonical key) into
// a Prospect. raw_data is merged latest-wins by DetectedAt.
func BuildProspect(canonicalKey string, signals []Signal) Prospect {
	p := Prospect{CanonicalKey: canonicalKey, Signals: signals, RawData: RawData{}}
	if len(signals) == 0 {
		return p
	}

	typeSeen := map[SignalType]bool{}
	sourceSeen := map[string]bool{}

	for i, s := range signals {
		if !typeSeen[s.SignalType] {
			typeSeen[s.SignalType] = true
			p.SignalTypes = append(p.SignalTypes, s.SignalType)
		}
		if !sourceSeen[s.SourceAPI] {
			sourceSeen[s.SourceAPI] = true
			p.SourceAPIs = append(p.SourceAPIs, s.SourceAPI)
		}
		for k, v := range s.RawData {
			p.RawData[k] = v
		}
		if i == 0 || s.DetectedAt.Before(p.EarliestAt) {
			p.EarliestAt = s.DetectedAt
		}
		if i == 0 || s.DetectedAt.After(p.LatestAt) {
			p.LatestAt = s.DetectedAt
		}
	}
	p.IsMultiSource = len(sourceSeen) >= 2

	ordered := append([]Signal(nil), signals...)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].DetectedAt.Before(ordered[b].DetectedAt) })
	for _, s := range ordered {
		for k, v := range s.RawData {
			p.RawData[k] = v
		}
	}
	return p
}

// CompanyName returns the company name from the signal with the latest
// DetectedAt that carries a non-empty name, or "" if none do.
func (p Prospect) CompanyName() string {
	var best string
	var bestAt time.Time
	for _, s := range p.Signals {
		if s.CompanyName == "" {
			continue
		}
		if best == "" || s.DetectedAt.After(bestAt) {
			best = s.CompanyName
			bestAt = s.DetectedAt
		}
	}
	return best
}
