// Package storage defines the exchange log: one record per relayed
// request, kept for operator inspection.
package storage

import (
	"context"
	"time"
)

// ExchangeRecord summarizes one completed relay exchange.
type ExchangeRecord struct {
	CorrelationID string        `json:"correlation_id"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	Status        int           `json:"status"`
	Attempts      int           `json:"attempts"`
	AccountIndex  int           `json:"account_index"`
	Streaming     bool          `json:"streaming"`
	FakeMode      bool          `json:"fake_mode"`
	Duration      time.Duration `json:"duration_ns"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ExchangeStore persists and lists exchange records. Recording is
// best-effort; a store failure never fails the request it describes.
type ExchangeStore interface {
	RecordExchange(ctx context.Context, rec *ExchangeRecord) error
	ListExchanges(ctx context.Context, limit int) ([]*ExchangeRecord, error)
	Close() error
}
