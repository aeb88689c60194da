// Package httpclient is the rate-limited, retrying HTTP client from
// spec.md §4.3. It composes infrastructure/ratelimit (per source_api +
// endpoint_group token buckets) with infrastructure/resilience (retry with
// backoff, optional circuit breaker), adapted from the teacher's
// infrastructure/httputil.ClientConfig/NewClient shape.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/infrastructure/logging"
	"github.com/signalforge/prospector/infrastructure/ratelimit"
	"github.com/signalforge/prospector/infrastructure/resilience"
)

// Config configures a Client.
type Config struct {
	Timeout     time.Duration
	MaxBodyBytes int64
	RetryConfig resilience.RetryConfig
	RateLimits  map[string]ratelimit.Config // keyed by source_api
	Fallback    ratelimit.Config
}

// DefaultConfig mirrors the teacher's DefaultClientDefaults, retuned for
// collector-style polling rather than internal service mesh calls.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxBodyBytes: 5 << 20, // 5MiB, raw_data payloads are small JSON documents
		RetryConfig:  resilience.DefaultRetryConfig(),
		Fallback:     ratelimit.Config{PerSecond: 1, Burst: 1},
	}
}

// Client is a rate-limited, retrying HTTP client shared by every collector
// and the CRM connector.
type Client struct {
	http     *http.Client
	limiters *ratelimit.Registry
	retry    resilience.RetryConfig
	maxBody  int64
	log      *logging.Logger
}

// New builds a Client from cfg.
func New(cfg Config, log *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if log == nil {
		log = logging.NewDefault("httpclient")
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		limiters: ratelimit.NewRegistry(cfg.RateLimits, cfg.Fallback),
		retry:    cfg.RetryConfig,
		maxBody:  cfg.MaxBodyBytes,
		log:      log,
	}
}

// retryableError wraps a transient failure so resilience.Retry knows to
// keep trying; apperrors.ErrPermanent is surfaced unwrapped instead.
type retryableError struct{ err error }

func (r retryableError) Error() string  { return r.err.Error() }
func (r retryableError) Unwrap() error  { return r.err }
func (r retryableError) Retryable() bool { return true }

// permanentError marks a terminal failure; resilience.Retry stops on it.
type permanentError struct{ err error }

func (p permanentError) Error() string  { return p.err.Error() }
func (p permanentError) Unwrap() error  { return p.err }
func (p permanentError) Retryable() bool { return false }

// Do executes newReq (called fresh on every attempt, so request bodies are
// rebuilt rather than replayed) against sourceAPI/endpointGroup's token
// bucket, retrying on network errors, 429, and 5xx. It returns the response
// body already drained and the response closed. Retry-After on a 429
// overrides the computed backoff delay for the next attempt.
func (c *Client) Do(ctx context.Context, sourceAPI, endpointGroup string, newReq func() (*http.Request, error)) ([]byte, int, error) {
	var body []byte
	var status int
	traceID := logging.TraceID(ctx)

	err := resilience.Retry(ctx, c.retry, func(attempt int) (time.Duration, error) {
		if err := c.limiters.Acquire(ctx, sourceAPI, endpointGroup); err != nil {
			return 0, permanentError{fmt.Errorf("httpclient: rate limiter: %w", apperrors.ErrCancelled)}
		}

		req, err := newReq()
		if err != nil {
			return 0, permanentError{err}
		}
		req = req.WithContext(ctx)
		req.Header.Set("X-Request-Id", traceID)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, permanentError{fmt.Errorf("httpclient: %w", apperrors.ErrCancelled)}
			}
			c.log.WithFields(map[string]interface{}{
				"source_api": sourceAPI, "endpoint_group": endpointGroup, "attempt": attempt, "trace_id": traceID,
			}).WithError(err).Warn("request failed, retrying")
			return 0, retryableError{fmt.Errorf("httpclient: %w: %v", apperrors.ErrTransient, err)}
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		buf, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
		if readErr != nil {
			return 0, permanentError{fmt.Errorf("httpclient: %w: read body: %v", apperrors.ErrPermanent, readErr)}
		}

		switch {
		case status == http.StatusTooManyRequests:
			body = buf
			return retryAfterDelay(resp.Header.Get("Retry-After")), retryableError{
				fmt.Errorf("httpclient: %w: 429 from %s", apperrors.ErrTransient, sourceAPI),
			}
		case status >= 500:
			body = buf
			return 0, retryableError{fmt.Errorf("httpclient: %w: %d from %s", apperrors.ErrTransient, status, sourceAPI)}
		case status >= 400:
			body = buf
			return 0, permanentError{fmt.Errorf("httpclient: %w: %d from %s", apperrors.ErrPermanent, status, sourceAPI)}
		default:
			body = buf
			return 0, nil
		}
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, apperrors.ErrCancelled) {
			err = fmt.Errorf("httpclient: %w: %w", apperrors.ErrCancelled, ctxErr)
		}
		return body, status, err
	}
	return body, status, nil
}

// Get is a convenience wrapper over Do for simple GET requests.
func (c *Client) Get(ctx context.Context, sourceAPI, endpointGroup, url string, headers map[string]string) ([]byte, int, error) {
	return c.Do(ctx, sourceAPI, endpointGroup, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
}

// PostJSON is a convenience wrapper over Do for JSON request bodies (used
// by the CRM connector's upsert call).
func (c *Client) PostJSON(ctx context.Context, sourceAPI, endpointGroup, url string, payload []byte, headers map[string]string) ([]byte, int, error) {
	return c.Do(ctx, sourceAPI, endpointGroup, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
}

// retryAfterDelay parses an HTTP Retry-After header (seconds form only,
// which is what every collector source in this module sends); a missing or
// unparsable header yields zero so the caller falls back to computed
// backoff.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
