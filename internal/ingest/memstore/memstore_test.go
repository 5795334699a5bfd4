package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/schema"
)

func rec(alphaID string) *ingest.Record {
	return &ingest.Record{
		AlphaID:    alphaID,
		SourceType: "sentinelone",
		Payload:    schema.RawAlert{"id": alphaID},
	}
}

func TestSaveIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	created, err := s.Save(ctx, rec("a1"), false)
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}

	// Re-delivery of a pending record refreshes it.
	dup := rec("a1")
	dup.SourceType = "other"
	created, err = s.Save(ctx, dup, false)
	if err != nil || !created {
		t.Fatalf("pending re-save: created=%v err=%v", created, err)
	}
	got, ok, err := s.Get(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SourceType != "other" {
		t.Fatalf("re-save must refresh, got source %q", got.SourceType)
	}

	// Once processed, plain saves are a no-op.
	leased, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: n=%d err=%v", len(leased), err)
	}
	if err := s.MarkProcessed(ctx, "a1", leased[0].LeaseToken); err != nil {
		t.Fatal(err)
	}
	late := rec("a1")
	late.SourceType = "latecomer"
	created, err = s.Save(ctx, late, false)
	if err != nil || created {
		t.Fatalf("processed re-save: created=%v err=%v", created, err)
	}
	got, _, _ = s.Get(ctx, "a1")
	if got.Status != ingest.StatusProcessed || got.SourceType != "other" {
		t.Fatalf("processed record must stay put, got %+v", got)
	}

	// Overwrite resets even a processed record.
	created, err = s.Save(ctx, late, true)
	if err != nil || !created {
		t.Fatalf("overwrite save: created=%v err=%v", created, err)
	}
	got, _, _ = s.Get(ctx, "a1")
	if got.Status != ingest.StatusPending || got.SourceType != "latecomer" {
		t.Fatalf("overwrite must replace, got %+v", got)
	}
}

func TestSaveRevivesFailedRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if _, err := s.Save(ctx, rec("a1"), false); err != nil {
		t.Fatal(err)
	}
	leased, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: n=%d err=%v", len(leased), err)
	}
	if err := s.MarkFailed(ctx, "a1", leased[0].LeaseToken, "scorer exhausted retries"); err != nil {
		t.Fatal(err)
	}

	created, err := s.Save(ctx, rec("a1"), false)
	if err != nil || !created {
		t.Fatalf("re-save of failed record: created=%v err=%v", created, err)
	}

	got, _, _ := s.Get(ctx, "a1")
	if got.Status != ingest.StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.LastErr != "" {
		t.Fatalf("last error = %q, want cleared", got.LastErr)
	}

	again, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(again) != 1 {
		t.Fatalf("revived record must be leaseable: n=%d err=%v", len(again), err)
	}
}

func TestLeaseExclusivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	for _, id := range []string{"a1", "a2", "a3"} {
		if _, err := s.Save(ctx, rec(id), false); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.Lease(ctx, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("leased %d, want 2", len(first))
	}

	second, err := s.Lease(ctx, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("second lease got %d, want only the unleased record", len(second))
	}
	if second[0].LeaseToken == first[0].LeaseToken {
		t.Fatal("each lease call must mint its own token")
	}
	if second[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", second[0].Attempts)
	}
}

func TestLeaseExpiryReclaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.now = func() time.Time { return now }

	if _, err := s.Save(ctx, rec("a1"), false); err != nil {
		t.Fatal(err)
	}

	first, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(first) != 1 {
		t.Fatalf("lease: n=%d err=%v", len(first), err)
	}

	// Still inside the window: invisible.
	if got, _ := s.Lease(ctx, 1, time.Minute); len(got) != 0 {
		t.Fatalf("leased record must be invisible, got %d", len(got))
	}

	now = base.Add(2 * time.Minute)
	second, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(second) != 1 {
		t.Fatalf("expired lease must be reclaimable: n=%d err=%v", len(second), err)
	}
	if second[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", second[0].Attempts)
	}

	// The original worker's completion must now be rejected.
	if err := s.MarkProcessed(ctx, "a1", first[0].LeaseToken); err != ingest.ErrLeaseLost {
		t.Fatalf("stale token: err=%v, want ErrLeaseLost", err)
	}
	if err := s.MarkProcessed(ctx, "a1", second[0].LeaseToken); err != nil {
		t.Fatalf("live token: %v", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if _, err := s.Save(ctx, rec("a1"), false); err != nil {
		t.Fatal(err)
	}
	leased, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: n=%d err=%v", len(leased), err)
	}
	if err := s.MarkFailed(ctx, "a1", leased[0].LeaseToken, "scorer exhausted retries"); err != nil {
		t.Fatal(err)
	}

	got, _, _ := s.Get(ctx, "a1")
	if got.Status != ingest.StatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if got.LastErr != "scorer exhausted retries" {
		t.Fatalf("last error = %q", got.LastErr)
	}
	if got.LeaseToken != "" {
		t.Fatal("completion must clear the lease")
	}
}

func TestReleaseLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if _, err := s.Save(ctx, rec("a1"), false); err != nil {
		t.Fatal(err)
	}
	leased, _ := s.Lease(ctx, 1, time.Minute)
	if err := s.ReleaseLease(ctx, "a1", leased[0].LeaseToken); err != nil {
		t.Fatal(err)
	}

	again, err := s.Lease(ctx, 1, time.Minute)
	if err != nil || len(again) != 1 {
		t.Fatalf("released record must be leaseable: n=%d err=%v", len(again), err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		if _, err := s.Save(ctx, rec(id), false); err != nil {
			t.Fatal(err)
		}
	}
	leased, _ := s.Lease(ctx, 2, time.Minute)
	if err := s.MarkProcessed(ctx, leased[0].AlphaID, leased[0].LeaseToken); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, leased[1].AlphaID, leased[1].LeaseToken, "boom"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := ingest.Stats{Total: 4, Pending: 2, Leased: 0, Processed: 1, Failed: 1}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}
