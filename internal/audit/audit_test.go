package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_RecordAndRecent(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	first := Entry{
		ID:            "req-1",
		CorrelationID: "corr-1",
		TenantID:      "tenant-1",
		UserID:        "user-1",
		Service:       "billing",
		Method:        "POST",
		Path:          "/api/v1/billing/invoices",
		Status:        201,
		Outcome:       "ok",
		Duration:      42 * time.Millisecond,
		CreatedAt:     base,
	}
	second := Entry{
		ID:            "req-2",
		CorrelationID: "corr-2",
		Service:       "web3",
		Method:        "GET",
		Path:          "/api/v1/web3/wallets",
		Status:        500,
		Outcome:       "transport_failure",
		Duration:      time.Second,
		CreatedAt:     base.Add(time.Second),
	}

	if err := store.Record(ctx, first); err != nil {
		t.Fatalf("record first: %v", err)
	}
	if err := store.Record(ctx, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	// Most recent first.
	if entries[0].ID != "req-2" {
		t.Errorf("entries[0].ID = %s, want req-2", entries[0].ID)
	}
	got := entries[1]
	if got.CorrelationID != "corr-1" || got.TenantID != "tenant-1" || got.UserID != "user-1" {
		t.Errorf("identity fields not round-tripped: %+v", got)
	}
	if got.Service != "billing" || got.Status != 201 || got.Outcome != "ok" {
		t.Errorf("outcome fields not round-tripped: %+v", got)
	}
	if got.Duration != 42*time.Millisecond {
		t.Errorf("duration = %v, want 42ms", got.Duration)
	}

	// Optional identity columns stay empty when absent.
	if entries[0].TenantID != "" || entries[0].UserID != "" {
		t.Errorf("expected empty tenant/user for public request, got %+v", entries[0])
	}
}

func TestNopRecorder(t *testing.T) {
	var rec Recorder = NopRecorder{}
	if err := rec.Record(context.Background(), Entry{ID: "x"}); err != nil {
		t.Errorf("nop record returned error: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("nop close returned error: %v", err)
	}
}
