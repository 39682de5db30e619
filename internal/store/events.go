package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const eventColumns = `id, session_id, group_id, iteration, subtype, payload, revision, created_at, updated_at`

// NewEvent describes a ledger write. The key is
// (SessionID, GroupID, Iteration, Subtype).
type NewEvent struct {
	SessionID string
	GroupID   string
	Iteration int
	Subtype   string
	Payload   json.RawMessage
}

// SaveEvent upserts a ledger event. A write whose key already exists
// replaces the payload and increments the stored revision.
func (s *Store) SaveEvent(ctx context.Context, in NewEvent) (*Event, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, in.SessionID); err != nil {
			return err
		}
		if err := requireGroup(ctx, tx, in.SessionID, in.GroupID); err != nil {
			return err
		}
		now := s.now()
		ev, err := upsertEvent(ctx, tx, now, in)
		if err != nil {
			return err
		}
		out = ev
		return insertChange(ctx, tx, now, ev.SessionID, ev.GroupID, ChangeEventRecorded, fmt.Sprint(ev.ID), ev)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func upsertEvent(ctx context.Context, q queryer, now time.Time, in NewEvent) (*Event, error) {
	if in.Subtype == "" {
		return nil, fmt.Errorf("save event: %w: empty subtype", ErrInvalidInput)
	}
	if in.Iteration < 0 {
		return nil, fmt.Errorf("save event: %w: negative iteration %d", ErrInvalidInput, in.Iteration)
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("save event %s: %w: payload is not valid JSON", in.Subtype, ErrInvalidInput)
	}

	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO events (session_id, group_id, iteration, subtype, payload, revision, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (session_id, group_id, iteration, subtype) DO UPDATE SET
		     payload = excluded.payload,
		     revision = events.revision + 1,
		     updated_at = excluded.updated_at
		 RETURNING id`,
		in.SessionID, in.GroupID, in.Iteration, in.Subtype, string(payload), now, now,
	).Scan(&id)
	if err != nil {
		return nil, wrap("upsert event", err)
	}

	return scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	GroupID string
	Subtype string
	Limit   int
}

// ListEvents returns the events of a session ordered by iteration, then
// insertion order. A non-positive Limit returns every matching event.
func (s *Store) ListEvents(ctx context.Context, sessionID string, f EventFilter) ([]Event, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = ?
		   AND (? = '' OR subtype = ?)
		   AND (? = '' OR group_id = ?)
		 ORDER BY iteration ASC, id ASC
		 LIMIT ?`,
		sessionID, f.Subtype, f.Subtype, f.GroupID, f.GroupID, eventLimit(f.Limit),
	)
	if err != nil {
		return nil, wrap("query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.GroupID, &ev.Iteration, &ev.Subtype,
			&payload, &ev.Revision, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, wrap("scan event", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate events", err)
	}
	return events, nil
}

// eventLimit maps a non-positive limit to SQLite's unbounded LIMIT -1.
func eventLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// LatestEvent returns the event of the given subtype with the highest
// iteration in the session. It returns ErrNotFound if none exists.
func (s *Store) LatestEvent(ctx context.Context, sessionID, subtype string) (*Event, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE session_id = ? AND subtype = ?
		 ORDER BY iteration DESC, id DESC
		 LIMIT 1`,
		sessionID, subtype,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest %s event for session %s: %w", subtype, sessionID, ErrNotFound)
	}
	return ev, err
}

func scanEvent(row *sql.Row) (*Event, error) {
	var ev Event
	var payload string
	err := row.Scan(&ev.ID, &ev.SessionID, &ev.GroupID, &ev.Iteration, &ev.Subtype,
		&payload, &ev.Revision, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, wrap("scan event", err)
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}
