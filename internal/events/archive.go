package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id        TEXT PRIMARY KEY,
	type      TEXT NOT NULL,
	subject   TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	time      TEXT NOT NULL,
	data      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_subject ON audit_events(subject);`

// ArchiveSink keeps a local SQLite copy of every event so an operator can
// inspect decisions when the upstream brokers are unreachable.
type ArchiveSink struct {
	db *sql.DB
}

// NewArchiveSink opens (or creates) the archive at path.
func NewArchiveSink(ctx context.Context, path string) (*ArchiveSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &ArchiveSink{db: db}, nil
}

func (s *ArchiveSink) Name() string { return "archive" }

func (s *ArchiveSink) Send(ctx context.Context, ev *CloudEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, type, subject, tenant_id, time, data) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Subject, ev.TenantID, ev.Time.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

// ArchivedEvent is a row read back from the archive.
type ArchivedEvent struct {
	ID       string
	Type     string
	Subject  string
	TenantID string
	Data     map[string]interface{}
}

// Recent returns up to limit events for subject ("pid/<n>"), newest first.
// An empty subject matches every event.
func (s *ArchiveSink) Recent(ctx context.Context, subject string, limit int) ([]ArchivedEvent, error) {
	q := `SELECT id, type, subject, tenant_id, data FROM audit_events`
	args := []interface{}{}
	if subject != "" {
		q += ` WHERE subject = ?`
		args = append(args, subject)
	}
	q += ` ORDER BY time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	var out []ArchivedEvent
	for rows.Next() {
		var (
			ev   ArchivedEvent
			data string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Subject, &ev.TenantID, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("decode archived event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *ArchiveSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*ArchiveSink)(nil)
