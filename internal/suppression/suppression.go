// Package suppression implements the sync job from spec.md §4.8: pull
// every CRM record (active or terminal), derive a canonical key for each,
// and refresh the store's suppression cache.
package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/signalforge/prospector/internal/canonicalkey"
	"github.com/signalforge/prospector/internal/crm"
	"github.com/signalforge/prospector/internal/model"
	"github.com/signalforge/prospector/internal/signalstore"
)

// Config tunes one sync run.
type Config struct {
	TTL    time.Duration // suppression entry freshness window, default 7d
	DryRun bool
}

// Stats reports the job's outcome per spec.md §4.8 point 4.
type Stats struct {
	RecordsFetched   int
	WithStrongKey    int
	WithWeakKey      int
	Unresolvable     int
	Synced           int
	ExpiredCleaned   int
	Duration         time.Duration
}

// Syncer binds a CRM Connector and a Store into the suppression sync job.
type Syncer struct {
	crm   *crm.Connector
	store *signalstore.Store
}

// New builds a Syncer.
func New(connector *crm.Connector, store *signalstore.Store) *Syncer {
	return &Syncer{crm: connector, store: store}
}

// Run executes one full sync pass.
func (s *Syncer) Run(ctx context.Context, cfg Config) (Stats, error) {
	started := time.Now().UTC()
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	records, err := s.crm.ListSuppressionRecords(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("suppression: get_suppression_list: %w", err)
	}

	stats := Stats{RecordsFetched: len(records)}
	now := time.Now().UTC()
	entries := make([]model.SuppressionEntry, 0, len(records))

	for _, rec := range records {
		key, strong := deriveKey(rec)
		if key == "" {
			stats.Unresolvable++
			continue
		}
		if strong {
			stats.WithStrongKey++
		} else {
			stats.WithWeakKey++
		}

		entries = append(entries, model.SuppressionEntry{
			CanonicalKey: key,
			CRMPageID:    rec.CRMPageID,
			Status:       rec.Status,
			CompanyName:  rec.CompanyName,
			CachedAt:     now,
			ExpiresAt:    now.Add(ttl),
		})
	}

	if cfg.DryRun {
		stats.Synced = len(entries)
		stats.Duration = time.Since(started)
		return stats, nil
	}

	if len(entries) > 0 {
		if err := s.store.UpdateSuppressionCache(ctx, entries); err != nil {
			return stats, fmt.Errorf("suppression: update_suppression_cache: %w", err)
		}
	}
	stats.Synced = len(entries)

	cleaned, err := s.store.CleanExpiredCache(ctx)
	if err != nil {
		return stats, fmt.Errorf("suppression: clean_expired_cache: %w", err)
	}
	stats.ExpiredCleaned = cleaned

	stats.Duration = time.Since(started)
	return stats, nil
}

// deriveKey prefers the CRM record's own canonical key field; if the record
// doesn't expose one it falls back to §4.1's derivation over whatever
// identifying fields the record carries. Returns ("", false) if neither
// yields a usable key.
func deriveKey(rec crm.SuppressionRecord) (string, bool) {
	if rec.CanonicalKey != "" {
		kind, _, ok := splitTaggedKey(rec.CanonicalKey)
		return rec.CanonicalKey, ok && canonicalkey.Kind(kind).Strong()
	}

	best, err := canonicalkey.Best(canonicalkey.Evidence{Website: rec.Website, CompanyName: rec.CompanyName})
	if err != nil {
		return "", false
	}
	return best.String(), best.Kind.Strong()
}

// splitTaggedKey splits a "<kind>:<value>" canonical key string.
func splitTaggedKey(key string) (kind, value string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
