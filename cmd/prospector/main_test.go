package main

import (
	"context"
	"errors"
	"testing"

	"github.com/signalforge/prospector/internal/pusher"
)

func TestRunWithNoCommandReturnsUsageError(t *testing.T) {
	err := run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for no command")
	}
	if exitCode(err) != 2 {
		t.Fatalf("expected exit code 2, got %d", exitCode(err))
	}
}

func TestRunWithUnconfiguredEnvironmentReturnsConfigError(t *testing.T) {
	t.Setenv("PROSPECTOR_CRM_API_KEY", "")
	t.Setenv("PROSPECTOR_CRM_DATABASE_ID", "")
	t.Setenv("PROSPECTOR_DOTENV", "")

	err := run(context.Background(), []string{"stats"})
	if err == nil {
		t.Fatal("expected a configuration error with no CRM credentials set")
	}
	if exitCode(err) != 2 {
		t.Fatalf("expected exit code 2 for a config error, got %d: %v", exitCode(err), err)
	}
}

func TestExitCodeDefaultsToOneForPlainErrors(t *testing.T) {
	if code := exitCode(errors.New("boom")); code != 1 {
		t.Fatalf("expected a bare error to map to exit code 1, got %d", code)
	}
}

func TestNormalizeCronExprPadsSecondsField(t *testing.T) {
	if got := normalizeCronExpr("*/5 * * * *"); got != "0 */5 * * * *" {
		t.Fatalf("expected a seconds field to be prepended, got %q", got)
	}
	if got := normalizeCronExpr("0 */5 * * * *"); got != "0 */5 * * * *" {
		t.Fatalf("a 6-field expression should pass through unchanged, got %q", got)
	}
}

func TestBatchExitErrorMapsSchemaFailureToThree(t *testing.T) {
	result := pusher.BatchResult{Failed: 1, SchemaInvalid: true, ErrorMessages: []string{"upsert_prospect(domain:x): crm: apperrors: CRM schema invalid: missing Canonical Key"}}
	err := batchExitError(result)
	if err == nil || exitCode(err) != 3 {
		t.Fatalf("expected exit code 3 for a schema failure, got %v", err)
	}
}

func TestBatchExitErrorMapsOrdinaryFailureToOne(t *testing.T) {
	result := pusher.BatchResult{Failed: 1, ErrorMessages: []string{"upsert_prospect(domain:x): connection reset"}}
	err := batchExitError(result)
	if err == nil || exitCode(err) != 1 {
		t.Fatalf("expected exit code 1 for an ordinary failure, got %v", err)
	}
}

func TestBatchExitErrorNilOnSuccess(t *testing.T) {
	result := pusher.BatchResult{Pushed: 2}
	if err := batchExitError(result); err != nil {
		t.Fatalf("expected no error for a clean batch, got %v", err)
	}
}
