package store

import (
	"context"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

// Event is one entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID string) error {
	now := s.clock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at, created_unix) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, formatTime(now), now.UnixNano())
	if err != nil {
		return failure.Wrap(failure.ErrPersistence, "store append session", "", err)
	}
	return nil
}

// AppendEvent writes an event into the session timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, trace_id, event_type, payload, created_at, created_unix)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Payload, formatTime(evt.CreatedAt), evt.CreatedAt.UnixNano())
	if err != nil {
		return failure.Wrap(failure.ErrPersistence, "store append event", "", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_unix ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, failure.Wrap(failure.ErrPersistence, "store list events", "", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID *string
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &traceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, failure.Wrap(failure.ErrPersistence, "store list events", "", err)
		}
		if traceID != nil {
			e.TraceID = *traceID
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.ErrPersistence, "store list events", "", err)
	}
	return events, nil
}
