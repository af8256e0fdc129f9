// Package msglog records outbound notification deliveries.
//
// The log is best-effort operational history: a write failure is the
// caller's to log and ignore, never a reason to fail the send itself.
package msglog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Delivery statuses.
const (
	StatusSent     = "sent"
	StatusFallback = "fallback" // buttons rejected, delivered as plain text
	StatusFailed   = "failed"
)

// Entry is one outbound delivery record.
type Entry struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"` // template kind, or "message" for raw text
	Buttoned  bool      `json:"buttoned"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"` // error text for failed entries
	SentAt    time.Time `json:"sent_at"`
}

// Store is a SQLite-backed delivery log.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the delivery log at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open delivery log: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate delivery log: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL,
		buttoned INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		detail TEXT,
		sent_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_tenant ON deliveries(tenant, sent_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts one delivery entry. A zero ID gets a fresh UUID; a
// zero SentAt gets the current time.
func (s *Store) Record(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO deliveries (id, tenant, recipient, kind, buttoned, status, detail, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Tenant, e.Recipient, e.Kind, e.Buttoned, e.Status, e.Detail, e.SentAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's most recent deliveries, newest
// first, capped at limit (default 50 when limit <= 0).
func (s *Store) ListByTenant(tenant string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, tenant, recipient, kind, buttoned, status, detail, sent_at
		 FROM deliveries WHERE tenant = ? ORDER BY sent_at DESC LIMIT ?`,
		tenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Recipient, &e.Kind, &e.Buttoned, &e.Status, &detail, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
