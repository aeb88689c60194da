package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/infrastructure/ratelimit"
	"github.com/signalforge/prospector/infrastructure/resilience"
)

const validSchemaBody = `{
	"properties": {
		"Canonical Key": {"type": "rich_text"},
		"Status": {"type": "status", "status": {"options": [
			{"name": "Source"}, {"name": "Needs Review"}, {"name": "Passed"}, {"name": "Lost"}
		]}},
		"Confidence": {"type": "number"},
		"Signal Types": {"type": "multi_select"},
		"Why Now": {"type": "rich_text"},
		"Stage Estimate": {"type": "select"},
		"Discovery ID": {"type": "rich_text"}
	}
}`

const incompleteSchemaBody = `{
	"properties": {
		"Canonical Key": {"type": "rich_text"},
		"Confidence": {"type": "number"}
	}
}`

func testClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Timeout:     time.Second,
		RetryConfig: resilience.RetryConfig{MaxAttempts: 1},
		Fallback:    ratelimit.Config{PerSecond: 1000, Burst: 1000},
	}, nil)
}

func testConfig(baseURL string) Config {
	return Config{
		APIKey:            "secret",
		DatabaseID:        "db-1",
		SchemaCacheTTL:    time.Hour,
		StatusAutoPush:    "Source",
		StatusNeedsReview: "Needs Review",
		StatusTerminal:    []string{"Passed", "Lost"},
		BaseURL:           baseURL,
	}
}

func TestValidateSchemaValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validSchemaBody))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	report, err := c.ValidateSchema(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid() {
		t.Fatalf("expected a valid schema report, got %s", report.String())
	}
}

func TestValidateSchemaReportsMissingProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(incompleteSchemaBody))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	report, err := c.ValidateSchema(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Valid() {
		t.Fatal("expected schema invalid")
	}
	if len(report.MissingRequired) == 0 {
		t.Fatal("expected missing required properties to be reported")
	}
}

func TestValidateSchemaIsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(validSchemaBody))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	if _, err := c.ValidateSchema(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ValidateSchema(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected the second call to be served from cache, saw %d network calls", calls)
	}

	if _, err := c.ValidateSchema(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected force_refresh to bypass the cache, saw %d network calls", calls)
	}
}

func TestUpsertProspectFailsPreflightBeforeAnyWrite(t *testing.T) {
	writes := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(incompleteSchemaBody))
			return
		}
		writes++
		w.Write([]byte(`{"id":"page-x"}`))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	_, err := c.UpsertProspect(context.Background(), UpsertPayload{
		CanonicalKey: "domain:acme.ai", Status: "Source", Confidence: 0.8,
		SignalTypes: []string{"incorporation"}, WhyNow: "just incorporated", DiscoveryID: "d-1",
	})
	if err == nil {
		t.Fatal("expected ErrSchemaInvalid")
	}
	if writes != 0 {
		t.Fatalf("expected no write calls when preflight fails, saw %d", writes)
	}
}

func TestUpsertProspectSkipsTerminalStatus(t *testing.T) {
	writeCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(validSchemaBody))
		case r.URL.Path == "/databases/db-1/query":
			w.Write([]byte(`{"results":[{"id":"page-1","properties":{"Status":{"status":{"name":"Passed"}}}}],"has_more":false}`))
		default:
			writeCalls++
			w.Write([]byte(`{"id":"page-1"}`))
		}
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	result, err := c.UpsertProspect(context.Background(), UpsertPayload{
		CanonicalKey: "domain:acme.ai", Status: "Source", Confidence: 0.8,
		SignalTypes: []string{"incorporation"}, WhyNow: "just incorporated", DiscoveryID: "d-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionSkipped {
		t.Fatalf("expected Skipped for a terminal-status record, got %s", result.Action)
	}
	if writeCalls != 0 {
		t.Fatalf("expected no page write when status is terminal, saw %d", writeCalls)
	}
}

func TestUpsertProspectCreatesWhenNoExistingRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(validSchemaBody))
		case r.URL.Path == "/databases/db-1/query":
			w.Write([]byte(`{"results":[],"has_more":false}`))
		case r.URL.Path == "/pages":
			w.Write([]byte(`{"id":"page-new"}`))
		}
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	result, err := c.UpsertProspect(context.Background(), UpsertPayload{
		CanonicalKey: "domain:acme.ai", Status: "Source", Confidence: 0.8,
		SignalTypes: []string{"incorporation"}, WhyNow: "just incorporated", DiscoveryID: "d-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != ActionCreated || result.CRMPageID != "page-new" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestListSuppressionRecordsPaginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"results":[{"id":"p1","properties":{"Status":{"status":{"name":"Source"}}}}],"has_more":true,"next_cursor":"cursor-2"}`))
			return
		}
		w.Write([]byte(`{"results":[{"id":"p2","properties":{"Status":{"status":{"name":"Passed"}}}}],"has_more":false}`))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	records, err := c.ListSuppressionRecords(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records across pages, got %d", len(records))
	}
	if calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", calls)
	}
}

func TestSchemaReportErrorWrapsErrSchemaInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(incompleteSchemaBody))
	}))
	defer srv.Close()

	c := New(testClient(), testConfig(srv.URL))
	_, err := c.UpsertProspect(context.Background(), UpsertPayload{
		CanonicalKey: "domain:acme.ai", Status: "Source", Confidence: 0.8,
		SignalTypes: []string{"incorporation"}, WhyNow: "x", DiscoveryID: "d-1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, apperrors.ErrSchemaInvalid) {
		t.Fatalf("expected error chain to contain ErrSchemaInvalid, got %v", err)
	}
}
