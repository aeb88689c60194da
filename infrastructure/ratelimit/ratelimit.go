// Package ratelimit provides a token-bucket limiter keyed by
// (source_api, endpoint_group), per spec.md §4.3. Adapted from the teacher
// repo's infrastructure/ratelimit package, generalized from a single global
// limiter to a registry of limiters keyed by source.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Config is the requests/sec and burst for one bucket.
type Config struct {
	PerSecond float64
	Burst     int
}

func (c Config) normalize() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSecond)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}

// Registry owns one *rate.Limiter per (source_api, endpoint_group) key,
// created lazily on first use from a per-source_api default Config.
type Registry struct {
	mu       sync.Mutex
	defaults map[string]Config
	buckets  map[string]*rate.Limiter
}

// NewRegistry builds a Registry with one default Config per source_api.
// Source APIs not present in defaults fall back to fallback.
func NewRegistry(defaults map[string]Config, fallback Config) *Registry {
	d := make(map[string]Config, len(defaults)+1)
	for k, v := range defaults {
		d[k] = v.normalize()
	}
	d[""] = fallback.normalize()
	return &Registry{defaults: d, buckets: make(map[string]*rate.Limiter)}
}

func bucketKey(sourceAPI, endpointGroup string) string {
	return sourceAPI + "::" + endpointGroup
}

func (r *Registry) limiterFor(sourceAPI, endpointGroup string) *rate.Limiter {
	key := bucketKey(sourceAPI, endpointGroup)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.buckets[key]; ok {
		return l
	}
	cfg, ok := r.defaults[sourceAPI]
	if !ok {
		cfg = r.defaults[""]
	}
	l := rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	r.buckets[key] = l
	return l
}

// Acquire blocks (cooperatively, no busy-wait) until a token for the given
// bucket is available or ctx is cancelled.
func (r *Registry) Acquire(ctx context.Context, sourceAPI, endpointGroup string) error {
	if err := r.limiterFor(sourceAPI, endpointGroup).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit acquire %s/%s: %w", sourceAPI, endpointGroup, err)
	}
	return nil
}

// Allow reports whether a token is immediately available without consuming
// it from another caller's budget; it does consume a token if available.
func (r *Registry) Allow(sourceAPI, endpointGroup string) bool {
	return r.limiterFor(sourceAPI, endpointGroup).Allow()
}
