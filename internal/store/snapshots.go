package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveSnapshot appends a state snapshot. Older snapshots of the same type
// are kept for audit.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID, stateType string, data json.RawMessage) (*Snapshot, error) {
	if stateType == "" {
		return nil, fmt.Errorf("save snapshot: %w: empty state type", ErrInvalidInput)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("save snapshot %s: %w: data is not valid JSON", stateType, ErrInvalidInput)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO state_snapshots (session_id, state_type, data, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, stateType, string(data), now,
		)
		if err != nil {
			return wrap("insert snapshot", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return wrap("insert snapshot", err)
		}
		out = &Snapshot{ID: id, SessionID: sessionID, StateType: stateType, Data: data, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestSnapshot returns the most recent snapshot of stateType, or
// ErrNotFound.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID, stateType string) (*Snapshot, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var snap Snapshot
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, state_type, data, created_at FROM state_snapshots
		 WHERE session_id = ? AND state_type = ?
		 ORDER BY id DESC LIMIT 1`,
		sessionID, stateType,
	).Scan(&snap.ID, &snap.SessionID, &snap.StateType, &data, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s snapshot for session %s: %w", stateType, sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("scan snapshot", err)
	}
	snap.Data = json.RawMessage(data)
	return &snap, nil
}
