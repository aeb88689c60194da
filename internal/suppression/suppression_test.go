package suppression

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/infrastructure/ratelimit"
	"github.com/signalforge/prospector/infrastructure/resilience"
	"github.com/signalforge/prospector/internal/crm"
	"github.com/signalforge/prospector/internal/signalstore"
)

func testHTTPClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Timeout:     time.Second,
		RetryConfig: resilience.RetryConfig{MaxAttempts: 1},
		Fallback:    ratelimit.Config{PerSecond: 1000, Burst: 1000},
	}, nil)
}

func openTestStore(t *testing.T) *signalstore.Store {
	t.Helper()
	s, err := signalstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunPopulatesSuppressionCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"id":"page-1","properties":{
				"Canonical Key":{"rich_text":[{"plain_text":"domain:acme.ai"}]},
				"Status":{"status":{"name":"Passed"}},
				"Name":{"title":[{"plain_text":"Acme"}]}
			}}
		],"has_more":false}`))
	}))
	defer srv.Close()

	connector := crm.New(testHTTPClient(), crm.Config{
		APIKey: "key", DatabaseID: "db-1", SchemaCacheTTL: time.Hour, BaseURL: srv.URL,
	})
	store := openTestStore(t)
	s := New(connector, store)

	stats, err := s.Run(context.Background(), Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.RecordsFetched != 1 || stats.Synced != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entry, err := store.CheckSuppression(context.Background(), "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Status != "Passed" {
		t.Fatalf("expected a cached suppression entry for domain:acme.ai, got %+v", entry)
	}
}

func TestRunDryRunDoesNotMutateStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"id":"page-1","properties":{
				"Canonical Key":{"rich_text":[{"plain_text":"domain:acme.ai"}]},
				"Status":{"status":{"name":"Passed"}}
			}}
		],"has_more":false}`))
	}))
	defer srv.Close()

	connector := crm.New(testHTTPClient(), crm.Config{
		APIKey: "key", DatabaseID: "db-1", SchemaCacheTTL: time.Hour, BaseURL: srv.URL,
	})
	store := openTestStore(t)
	s := New(connector, store)

	stats, err := s.Run(context.Background(), Config{TTL: time.Hour, DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Synced != 1 {
		t.Fatalf("expected a counter-factual sync count, got %+v", stats)
	}

	entry, err := store.CheckSuppression(context.Background(), "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatal("dry_run must not write to the suppression cache")
	}
}

func TestRunSkipsUnresolvableRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"id":"page-1","properties":{
				"Status":{"status":{"name":"Source"}}
			}}
		],"has_more":false}`))
	}))
	defer srv.Close()

	connector := crm.New(testHTTPClient(), crm.Config{
		APIKey: "key", DatabaseID: "db-1", SchemaCacheTTL: time.Hour, BaseURL: srv.URL,
	})
	store := openTestStore(t)
	s := New(connector, store)

	stats, err := s.Run(context.Background(), Config{TTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Unresolvable != 1 || stats.Synced != 0 {
		t.Fatalf("expected the keyless record to be counted unresolvable, got %+v", stats)
	}
}
