// Package store persists violation records. Rows are append-only: one
// row per violation event, never updated or deleted by this subsystem.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	// Database drivers selected by config.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/invigilo-labs/proctor/pkg/proctor"
)

// ViolationStore is the durable interface for violation records.
type ViolationStore interface {
	// Insert appends one record. Idempotent on event ID.
	Insert(ctx context.Context, event proctor.ViolationEvent) error

	// ListBySession retrieves a session's records ordered by sequence.
	ListBySession(ctx context.Context, sessionID string) ([]proctor.ViolationEvent, error)
}

// Open opens a database handle for the configured driver ("postgres" or
// "sqlite").
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// SQLViolationStore implements ViolationStore over database/sql. It
// works on both Postgres and SQLite via standard drivers.
type SQLViolationStore struct {
	db *sql.DB
}

func NewSQLViolationStore(db *sql.DB) *SQLViolationStore {
	return &SQLViolationStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS violations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	violation_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	seq INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	image_url TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_violations_session ON violations (session_id, seq);
`

// Init creates the schema if missing.
func (s *SQLViolationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLViolationStore) Insert(ctx context.Context, event proctor.ViolationEvent) error {
	var details any
	if event.Details != nil {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = string(b)
	}

	query := `
		INSERT INTO violations (id, session_id, participant_id, violation_type, severity, seq, created_at, image_url, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.SessionID, event.ParticipantID, string(event.Type),
		string(event.Severity), event.Seq, event.Timestamp, nullable(event.EvidenceURL), details,
	)
	if err != nil {
		return fmt.Errorf("insert violation %s: %w", event.ID, err)
	}
	return nil
}

func (s *SQLViolationStore) ListBySession(ctx context.Context, sessionID string) ([]proctor.ViolationEvent, error) {
	query := `
		SELECT id, session_id, participant_id, violation_type, severity, seq, created_at, image_url, details
		FROM violations WHERE session_id = $1 ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]proctor.ViolationEvent, 0)
	for rows.Next() {
		var ev proctor.ViolationEvent
		var vt, sev string
		var imageURL, details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ParticipantID, &vt, &sev,
			&ev.Seq, &ev.Timestamp, &imageURL, &details); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		ev.Type = proctor.ViolationType(vt)
		ev.Severity = proctor.Severity(sev)
		ev.EvidenceURL = imageURL.String
		if details.Valid && details.String != "" {
			var d proctor.Details
			if err := json.Unmarshal([]byte(details.String), &d); err != nil {
				return nil, fmt.Errorf("corrupt details in violation %s: %w", ev.ID, err)
			}
			ev.Details = &d
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MemoryViolationStore is an in-memory ViolationStore for tests and
// single-process development.
type MemoryViolationStore struct {
	mu     sync.RWMutex
	events map[string]proctor.ViolationEvent
}

func NewMemoryViolationStore() *MemoryViolationStore {
	return &MemoryViolationStore{events: make(map[string]proctor.ViolationEvent)}
}

func (s *MemoryViolationStore) Insert(ctx context.Context, event proctor.ViolationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[event.ID]; dup {
		return nil
	}
	s.events[event.ID] = event
	return nil
}

func (s *MemoryViolationStore) ListBySession(ctx context.Context, sessionID string) ([]proctor.ViolationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []proctor.ViolationEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

var (
	_ ViolationStore = (*SQLViolationStore)(nil)
	_ ViolationStore = (*MemoryViolationStore)(nil)
)
