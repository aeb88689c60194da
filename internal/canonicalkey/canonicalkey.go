// Package canonicalkey implements the canonical-key identity model from
// spec.md §4.1: given whatever partial identifiers a collector extracted,
// produce an ordered, deduplicated list of candidate canonical keys,
// strongest first. Pure, deterministic, no I/O.
package canonicalkey

import (
	"errors"
	"strings"
)

// ErrInsufficientEvidence is returned when no candidate key can be derived
// from the supplied evidence.
var ErrInsufficientEvidence = errors.New("canonicalkey: insufficient evidence to derive a key")

// Kind tags a canonical key with the evidence it was derived from. Rank
// order is the priority order from spec.md §4.1, strongest first.
type Kind string

const (
	KindDomain          Kind = "domain"
	KindCompaniesHouse  Kind = "companies_house"
	KindCrunchbase      Kind = "crunchbase"
	KindPitchbook       Kind = "pitchbook"
	KindGithubOrg       Kind = "github_org"
	KindGithubRepo      Kind = "github_repo"
	KindNameLoc         Kind = "name_loc"
)

// rank gives the sort priority for each Kind; lower sorts first (strongest).
var rank = map[Kind]int{
	KindDomain:         1,
	KindCompaniesHouse: 2,
	KindCrunchbase:     3,
	KindPitchbook:      4,
	KindGithubOrg:      5,
	KindGithubRepo:     6,
	KindNameLoc:        7,
}

// Strong reports whether keys of this kind may be merged across signals
// automatically (rank 1-4). Weak keys (5-7) require gate-level corroboration
// before cross-signal merging (enforced by the gate, not here).
func (k Kind) Strong() bool {
	r, ok := rank[k]
	return ok && r <= 4
}

// Candidate is one derived canonical key.
type Candidate struct {
	Kind  Kind
	Value string // normalized value, no kind prefix
}

// String renders the tagged key as "<kind>:<normalized-value>".
func (c Candidate) String() string {
	return string(c.Kind) + ":" + c.Value
}

// Evidence is the bag of partial identifiers a collector extracted for one
// company. Any subset may be empty.
type Evidence struct {
	Website              string
	GithubOrg            string
	GithubRepo           string // "owner/repo"
	CompaniesHouseNumber string
	CrunchbaseID         string
	PitchbookID          string
	CompanyName          string
	Region               string
}

// Derive produces the ordered, deduplicated candidate list, strongest first.
// Returns ErrInsufficientEvidence if the bag yields no candidates.
func Derive(e Evidence) ([]Candidate, error) {
	var out []Candidate
	seen := map[string]bool{}

	add := func(kind Kind, raw string) {
		norm, ok := normalizeGeneric(raw)
		if !ok {
			return
		}
		if kind == KindDomain {
			var domOK bool
			norm, domOK = normalizeDomain(raw)
			if !domOK {
				return
			}
		}
		c := Candidate{Kind: kind, Value: norm}
		key := c.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	add(KindDomain, e.Website)
	add(KindCompaniesHouse, e.CompaniesHouseNumber)
	add(KindCrunchbase, e.CrunchbaseID)
	add(KindPitchbook, e.PitchbookID)
	add(KindGithubOrg, e.GithubOrg)
	add(KindGithubRepo, e.GithubRepo)

	if nameSlug, ok := normalizeGeneric(e.CompanyName); ok {
		locSlug, _ := normalizeGeneric(e.Region) // region may legitimately be empty
		value := nameSlug + "|" + locSlug
		c := Candidate{Kind: KindNameLoc, Value: value}
		key := c.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}

	if len(out) == 0 {
		return nil, ErrInsufficientEvidence
	}

	sortByRank(out)
	return out, nil
}

// Best returns the strongest candidate, equivalent to Derive(e)[0].
func Best(e Evidence) (Candidate, error) {
	cands, err := Derive(e)
	if err != nil {
		return Candidate{}, err
	}
	return cands[0], nil
}

func sortByRank(cands []Candidate) {
	// insertion sort: candidate lists are always small (<=7)
	for i := 1; i < len(cands); i++ {
		j := i
		for j > 0 && rank[cands[j-1].Kind] > rank[cands[j].Kind] {
			cands[j-1], cands[j] = cands[j], cands[j-1]
			j--
		}
	}
}

// normalizeGeneric lowercases and trims a value, rejecting empty or
// single-character results.
func normalizeGeneric(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.Trim(v, ".")
	if len(v) < 2 {
		return "", false
	}
	return v, true
}

// normalizeDomain reduces a website string to its registrable domain
// (eTLD+1): strip protocol, "www.", trailing dots/slashes, path/query, and
// any subdomain beyond the registrable suffix.
func normalizeDomain(raw string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return "", false
	}

	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.TrimPrefix(v, "//")

	if idx := strings.IndexAny(v, "/?#"); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.Index(v, "@"); idx >= 0 {
		v = v[idx+1:]
	}
	if idx := strings.LastIndex(v, ":"); idx >= 0 {
		// strip a port, but not an IPv6 literal (no "]" present here since
		// those are out of scope for company domains)
		if !strings.Contains(v[idx:], "]") {
			v = v[:idx]
		}
	}
	v = strings.TrimPrefix(v, "www.")
	v = strings.Trim(v, ".")

	if len(v) < 2 || !strings.Contains(v, ".") {
		return "", false
	}

	return registrableDomain(v), true
}

// registrableDomain reduces a hostname to its eTLD+1 using a small built-in
// table of known multi-part public suffixes; unknown/ordinary TLDs fall
// back to the last two labels.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}

	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if multiPartSuffixes[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}

// multiPartSuffixes lists common two-label public suffixes (e.g. "co.uk")
// under which the registrable domain needs one extra label.
var multiPartSuffixes = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"ac.uk":  true,
	"gov.uk": true,
	"co.jp":  true,
	"co.in":  true,
	"com.au": true,
	"com.br": true,
	"com.cn": true,
}
