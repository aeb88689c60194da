package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalforge/prospector/infrastructure/ratelimit"
	"github.com/signalforge/prospector/infrastructure/resilience"
)

func fastRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func testClient() *Client {
	return New(Config{
		Timeout:     time.Second,
		RetryConfig: fastRetryConfig(),
		Fallback:    ratelimit.Config{PerSecond: 1000, Burst: 1000},
	}, nil)
}

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient()
	body, status, err := c.Get(context.Background(), "test_source", "default", srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("unexpected status: %d", status)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDoRetriesOn500ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient()
	body, status, err := c.Get(context.Background(), "test_source", "default", srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected final response: %d %s", status, body)
	}
}

func TestDoDoesNotRetryOn404(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient()
	_, status, err := c.Get(context.Background(), "test_source", "default", srv.URL, nil)
	if err == nil {
		t.Fatal("expected an error for a 404")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable 4xx, got %d", attempts)
	}
	if status != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", status)
	}
}

func TestDoExhaustsRetriesOnPersistent500(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	_, _, err := c.Get(context.Background(), "test_source", "default", srv.URL, nil)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (MaxAttempts), got %d", attempts)
	}
}

func TestDoHonorsRetryAfterOn429(t *testing.T) {
	attempts := 0
	var firstAttemptAt, secondAttemptAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			firstAttemptAt = time.Now()
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondAttemptAt = time.Now()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient()
	_, status, err := c.Get(context.Background(), "test_source", "default", srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("unexpected status: %d", status)
	}
	if !secondAttemptAt.After(firstAttemptAt) {
		t.Fatal("expected a second attempt after the 429")
	}
}

func TestDoCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient()
	_, _, err := c.Get(ctx, "test_source", "default", srv.URL, nil)
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
