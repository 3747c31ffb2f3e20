// Package sqlite persists the exchange log in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaybridge/relaybridge/internal/storage"
)

// Store is a SQLite implementation of storage.ExchangeStore.
type Store struct {
	db *sql.DB
}

var _ storage.ExchangeStore = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			correlation_id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			account_index INTEGER NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			fake_mode INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// RecordExchange inserts one exchange record.
func (s *Store) RecordExchange(ctx context.Context, rec *storage.ExchangeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (correlation_id, method, path, status, attempts,
			account_index, streaming, fake_mode, duration_ns, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CorrelationID, rec.Method, rec.Path, rec.Status, rec.Attempts,
		rec.AccountIndex, rec.Streaming, rec.FakeMode, int64(rec.Duration), rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert exchange %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// ListExchanges returns the most recent records, newest first.
func (s *Store) ListExchanges(ctx context.Context, limit int) ([]*storage.ExchangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, method, path, status, attempts, account_index,
			streaming, fake_mode, duration_ns, error_message, created_at
		FROM exchanges ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var records []*storage.ExchangeRecord
	for rows.Next() {
		var rec storage.ExchangeRecord
		var durationNS int64
		if err := rows.Scan(&rec.CorrelationID, &rec.Method, &rec.Path, &rec.Status,
			&rec.Attempts, &rec.AccountIndex, &rec.Streaming, &rec.FakeMode,
			&durationNS, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		rec.Duration = time.Duration(durationNS)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
