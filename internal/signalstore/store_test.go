package signalstore

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSignal(key string, detectedAt time.Time) model.Signal {
	return model.Signal{
		SignalType:   model.SignalIncorporation,
		SourceAPI:    "companies_house",
		CanonicalKey: key,
		CompanyName:  "Acme Ltd",
		Confidence:   0.9,
		RawData:      model.RawData{"registration_number": "12345678"},
		DetectedAt:   detectedAt,
		SourceURL:    "https://find-and-update.company-information.service.gov.uk/company/12345678",
	}
}

func TestSaveSignalIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sig := sampleSignal("domain:acme.ai", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	id1, isNew1, err := s.SaveSignal(ctx, sig)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if !isNew1 {
		t.Fatal("expected first save to be new")
	}

	id2, isNew2, err := s.SaveSignal(ctx, sig)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if isNew2 {
		t.Fatal("expected second save to be a duplicate")
	}
	if id1 != id2 {
		t.Fatalf("expected same id, got %d and %d", id1, id2)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("get_stats: %v", err)
	}
	if stats.SignalsByType[string(model.SignalIncorporation)] != 1 {
		t.Fatalf("expected exactly one row, got %d", stats.SignalsByType[string(model.SignalIncorporation)])
	}
}

func TestSaveSignalDistinguishesByDetectedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleSignal("domain:acme.ai", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := sampleSignal("domain:acme.ai", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	idA, _, err := s.SaveSignal(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	idB, _, err := s.SaveSignal(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if idA == idB {
		t.Fatal("expected distinct rows for distinct detected_at")
	}
}

func TestIsDuplicateChecksCanonicalKeyOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("expected no duplicate before any signal is saved")
	}

	if _, _, err := s.SaveSignal(ctx, sampleSignal("domain:acme.ai", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	dup, err = s.IsDuplicate(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("expected duplicate after a signal exists for the key")
	}
}

func TestGetSignalNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSignal(context.Background(), 9999)
	if err != apperrors.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPendingSignalsOrderedOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	older := sampleSignal("domain:acme.ai", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := sampleSignal("domain:acme.ai", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))

	if _, _, err := s.SaveSignal(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.SaveSignal(ctx, older); err != nil {
		t.Fatal(err)
	}

	pending, err := s.GetPendingSignals(ctx, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending signals, got %d", len(pending))
	}
	if !pending[0].DetectedAt.Equal(older.DetectedAt) {
		t.Fatalf("expected oldest first, got %v then %v", pending[0].DetectedAt, pending[1].DetectedAt)
	}
}

func TestMarkPushedThenRejectedFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.SaveSignal(ctx, sampleSignal("domain:acme.ai", time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkPushed(ctx, id, "page-1", map[string]interface{}{"pushed_by": "pusher"}); err != nil {
		t.Fatalf("mark_pushed: %v", err)
	}

	sig, err := s.GetSignal(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	_ = sig

	err = s.MarkRejected(ctx, id, "already pushed", nil)
	if err != apperrors.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition re-transitioning a Pushed record, got %v", err)
	}
}

func TestSuppressionCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entry := model.SuppressionEntry{
		CanonicalKey: "domain:acme.ai",
		CRMPageID:    "page-1",
		Status:       "Source",
		CompanyName:  "Acme",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		Metadata:     map[string]interface{}{"owner": "deal-team"},
	}

	if err := s.UpdateSuppressionCache(ctx, []model.SuppressionEntry{entry}); err != nil {
		t.Fatalf("update_suppression_cache: %v", err)
	}

	got, err := s.CheckSuppression(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a suppression entry")
	}
	if got.CRMPageID != "page-1" {
		t.Fatalf("unexpected crm_page_id: %s", got.CRMPageID)
	}
}

func TestCheckSuppressionExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entry := model.SuppressionEntry{
		CanonicalKey: "domain:acme.ai",
		Status:       "Source",
		ExpiresAt:    time.Now().UTC().Add(-time.Hour),
	}
	if err := s.UpdateSuppressionCache(ctx, []model.SuppressionEntry{entry}); err != nil {
		t.Fatal(err)
	}

	got, err := s.CheckSuppression(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected expired entry to be treated as absent")
	}
}

func TestCleanExpiredCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	expired := model.SuppressionEntry{CanonicalKey: "domain:a.io", ExpiresAt: time.Now().UTC().Add(-time.Minute)}
	live := model.SuppressionEntry{CanonicalKey: "domain:b.io", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	if err := s.UpdateSuppressionCache(ctx, []model.SuppressionEntry{expired, live}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.CleanExpiredCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ActiveSuppressionEntries != 1 {
		t.Fatalf("expected 1 active suppression entry remaining, got %d", stats.ActiveSuppressionEntries)
	}
}

func TestGetSignalsForCompanyOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := sampleSignal("domain:acme.ai", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	second := sampleSignal("domain:acme.ai", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	second.SignalType = model.SignalFundingEvent

	if _, _, err := s.SaveSignal(ctx, second); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.SaveSignal(ctx, first); err != nil {
		t.Fatal(err)
	}

	signals, err := s.GetSignalsForCompany(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}
	if signals[0].SignalType != model.SignalIncorporation {
		t.Fatalf("expected incorporation first, got %s", signals[0].SignalType)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wantErr := apperrors.ErrPermanent
	err := s.Transaction(ctx, func(tx *Tx) error {
		if _, _, err := saveSignalTx(ctx, tx.tx, sampleSignal("domain:acme.ai", time.Now().UTC())); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected propagated error, got %v", err)
	}

	dup, err := s.IsDuplicate(ctx, "domain:acme.ai")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("expected rollback to discard the signal inserted inside the failed transaction")
	}
}
