package store

import (
	"context"
	"encoding/json"
	"time"
)

// insertChange appends a change feed row inside the caller's transaction so
// the notification commits atomically with the mutation it describes.
func insertChange(ctx context.Context, q queryer, now time.Time, sessionID, groupID string, kind ChangeKind, refID string, payload any) error {
	data, err := marshalJSON(payload)
	if err != nil {
		return wrap("marshal change payload", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO changes (session_id, group_id, kind, ref_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, groupID, string(kind), refID, data, now,
	)
	return wrap("insert change", err)
}

// ChangesSince returns up to limit change rows with id strictly greater than
// afterID, in commit order.
func (s *Store) ChangesSince(ctx context.Context, afterID int64, limit int) ([]Change, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, group_id, kind, ref_id, payload, created_at
		 FROM changes WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, wrap("query changes", err)
	}
	return scanChanges(rows)
}

// SessionChangesSince is ChangesSince restricted to one session.
func (s *Store) SessionChangesSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]Change, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, group_id, kind, ref_id, payload, created_at
		 FROM changes WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		sessionID, afterID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, wrap("query session changes", err)
	}
	return scanChanges(rows)
}

// LatestChangeID returns the highest change id, or 0 when the feed is empty.
func (s *Store) LatestChangeID(ctx context.Context) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM changes`).Scan(&id)
	if err != nil {
		return 0, wrap("query latest change", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
	Next() bool
	Err() error
	Close() error
}

func scanChanges(rows rowScanner) ([]Change, error) {
	defer func() { _ = rows.Close() }()

	var changes []Change
	for rows.Next() {
		var c Change
		var kind, payload string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.GroupID, &kind, &c.RefID, &payload, &c.CreatedAt); err != nil {
			return nil, wrap("scan change", err)
		}
		c.Kind = ChangeKind(kind)
		c.Payload = json.RawMessage(payload)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate changes", err)
	}
	return changes, nil
}

const (
	defaultLimit = 100
	maxLimit     = 10000
)

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
