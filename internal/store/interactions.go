package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NewInteraction describes one role turn to append.
type NewInteraction struct {
	SessionID string
	GroupID   string
	Role      string
	AgentID   string
	Seq       int64
	Content   string
}

// AppendInteraction records a role turn. The write is idempotent on
// (session, seq): a retried call returns the stored row and created=false.
func (s *Store) AppendInteraction(ctx context.Context, in NewInteraction) (*Interaction, bool, error) {
	if in.Seq <= 0 {
		return nil, false, fmt.Errorf("append interaction: %w: sequence number must be positive, got %d", ErrInvalidInput, in.Seq)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *Interaction
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, in.SessionID); err != nil {
			return err
		}
		if err := requireGroup(ctx, tx, in.SessionID, in.GroupID); err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO interactions (session_id, group_id, role, agent_id, seq, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, seq) DO NOTHING`,
			in.SessionID, in.GroupID, in.Role, in.AgentID, in.Seq, in.Content, now,
		)
		if err != nil {
			return wrap("insert interaction", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("insert interaction", err)
		}

		out, err = getInteraction(ctx, tx, in.SessionID, in.Seq)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		return insertChange(ctx, tx, now, out.SessionID, out.GroupID, ChangeLogAdded, fmt.Sprint(out.ID), out)
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// ListInteractions returns up to limit turns of a session with seq greater
// than afterSeq, ordered by sequence number.
func (s *Store) ListInteractions(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Interaction, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, group_id, role, agent_id, seq, content, created_at
		 FROM interactions
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		sessionID, afterSeq, normalizeLimit(limit),
	)
	if err != nil {
		return nil, wrap("query interactions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.SessionID, &it.GroupID, &it.Role, &it.AgentID, &it.Seq, &it.Content, &it.CreatedAt); err != nil {
			return nil, wrap("scan interaction", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate interactions", err)
	}
	return out, nil
}

// NextSequence returns one more than the highest recorded sequence number.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM interactions WHERE session_id = ?`, sessionID,
	).Scan(&last)
	if err != nil {
		return 0, wrap("query max sequence", err)
	}
	return last + 1, nil
}

func getInteraction(ctx context.Context, q queryer, sessionID string, seq int64) (*Interaction, error) {
	var it Interaction
	err := q.QueryRowContext(ctx,
		`SELECT id, session_id, group_id, role, agent_id, seq, content, created_at
		 FROM interactions WHERE session_id = ? AND seq = ?`,
		sessionID, seq,
	).Scan(&it.ID, &it.SessionID, &it.GroupID, &it.Role, &it.AgentID, &it.Seq, &it.Content, &it.CreatedAt)
	if err != nil {
		return nil, wrap("scan interaction", err)
	}
	return &it, nil
}
