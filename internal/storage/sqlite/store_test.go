package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/relaybridge/relaybridge/internal/storage"
)

func TestSQLiteStore_RecordAndList(t *testing.T) {
	// Use in-memory SQLite with shared cache for testing
	store, err := New("file:exchanges1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []*storage.ExchangeRecord{
		{CorrelationID: "req-1", Method: "POST", Path: "/v1/chat/completions",
			Status: 200, Attempts: 1, AccountIndex: 1, Streaming: true,
			Duration: 120 * time.Millisecond, CreatedAt: base},
		{CorrelationID: "req-2", Method: "POST", Path: "/v1/chat/completions",
			Status: 429, Attempts: 3, AccountIndex: 2, FakeMode: true,
			Error: "rate limited", CreatedAt: base.Add(time.Minute)},
	}
	for _, rec := range records {
		if err := store.RecordExchange(context.Background(), rec); err != nil {
			t.Fatalf("RecordExchange(%s) error = %v", rec.CorrelationID, err)
		}
	}

	got, err := store.ListExchanges(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	// Newest first.
	if got[0].CorrelationID != "req-2" || got[1].CorrelationID != "req-1" {
		t.Errorf("order = %s, %s", got[0].CorrelationID, got[1].CorrelationID)
	}
	if got[0].Status != 429 || got[0].Attempts != 3 || !got[0].FakeMode {
		t.Errorf("record = %+v", got[0])
	}
	if got[0].Error != "rate limited" {
		t.Errorf("error = %q", got[0].Error)
	}
	if got[1].Duration != 120*time.Millisecond {
		t.Errorf("duration = %v", got[1].Duration)
	}
	if !got[1].Streaming {
		t.Error("streaming flag lost")
	}
}

func TestSQLiteStore_ListHonorsLimit(t *testing.T) {
	store, err := New("file:exchanges2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rec := &storage.ExchangeRecord{
			CorrelationID: string(rune('a' + i)),
			Method:        "POST",
			Path:          "/v1/ask",
			Status:        200,
			Attempts:      1,
			AccountIndex:  1,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordExchange(context.Background(), rec); err != nil {
			t.Fatalf("RecordExchange() error = %v", err)
		}
	}

	got, err := store.ListExchanges(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestSQLiteStore_RejectsDuplicateCorrelationID(t *testing.T) {
	store, err := New("file:exchanges3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	rec := &storage.ExchangeRecord{
		CorrelationID: "dup", Method: "GET", Path: "/v1/models",
		Status: 200, Attempts: 1, AccountIndex: 1, CreatedAt: time.Now(),
	}
	if err := store.RecordExchange(context.Background(), rec); err != nil {
		t.Fatalf("first RecordExchange() error = %v", err)
	}
	if err := store.RecordExchange(context.Background(), rec); err == nil {
		t.Error("duplicate correlation id was accepted")
	}
}
