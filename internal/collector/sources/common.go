// Package sources holds the ten concrete collector implementations named
// in spec.md §3 / SPEC_FULL.md §4.4, one file each, sharing the small
// helpers below.
package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/signalforge/prospector/internal/canonicalkey"
)

// hashResponse derives the SourceResponseHash attached to a Candidate, used
// downstream for change detection and audit trails (spec.md §3).
func hashResponse(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// keyFor derives a single canonical key from evidence, returning "" if
// insufficient. Every caller skips such an entry: it is not handed to the
// collector framework, so it is neither persisted nor counted in the run's
// errors.
func keyFor(e canonicalkey.Evidence) string {
	best, err := canonicalkey.Best(e)
	if err != nil {
		return ""
	}
	return best.String()
}

// withinLookback reports whether t falls within [now-lookback, now].
func withinLookback(t, now time.Time, lookback time.Duration) bool {
	if t.After(now) {
		return false
	}
	return !t.Before(now.Add(-lookback))
}
