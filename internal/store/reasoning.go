package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NewReasoning describes a reasoning entry to append.
type NewReasoning struct {
	SessionID string
	GroupID   string
	Role      string
	AgentID   string
	Iteration int
	Phase     Phase
	Content   string
}

// AppendReasoning records a reasoning entry. Entries are never updated.
func (s *Store) AppendReasoning(ctx context.Context, in NewReasoning) (*ReasoningEntry, error) {
	if !in.Phase.Valid() {
		return nil, fmt.Errorf("append reasoning: %w: unknown phase %q", ErrInvalidInput, in.Phase)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *ReasoningEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, in.SessionID); err != nil {
			return err
		}
		if err := requireGroup(ctx, tx, in.SessionID, in.GroupID); err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reasoning (session_id, group_id, role, agent_id, iteration, phase, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			in.SessionID, in.GroupID, in.Role, in.AgentID, in.Iteration, string(in.Phase), in.Content, now,
		)
		if err != nil {
			return wrap("insert reasoning", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return wrap("insert reasoning", err)
		}
		out = &ReasoningEntry{
			ID:        id,
			SessionID: in.SessionID,
			GroupID:   in.GroupID,
			Role:      in.Role,
			AgentID:   in.AgentID,
			Iteration: in.Iteration,
			Phase:     in.Phase,
			Content:   in.Content,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordedPhases returns the distinct phases recorded by role within a group
// at the given iteration. A non-empty agentID narrows the lookup to that
// role-instance.
func (s *Store) RecordedPhases(ctx context.Context, sessionID, groupID, role, agentID string, iteration int) ([]Phase, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT phase FROM reasoning
		 WHERE session_id = ? AND group_id = ? AND role = ? AND iteration = ?
		   AND (? = '' OR agent_id = ?)
		 ORDER BY phase`,
		sessionID, groupID, role, iteration, agentID, agentID,
	)
	if err != nil {
		return nil, wrap("query phases", err)
	}
	defer func() { _ = rows.Close() }()

	var phases []Phase
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrap("scan phase", err)
		}
		phases = append(phases, Phase(p))
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate phases", err)
	}
	return phases, nil
}

// ListReasoning returns every reasoning entry of a group (or of the session
// itself when groupID is empty) in insertion order.
func (s *Store) ListReasoning(ctx context.Context, sessionID, groupID string) ([]ReasoningEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, group_id, role, agent_id, iteration, phase, content, created_at
		 FROM reasoning WHERE session_id = ? AND group_id = ?
		 ORDER BY id ASC`,
		sessionID, groupID,
	)
	if err != nil {
		return nil, wrap("query reasoning", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ReasoningEntry
	for rows.Next() {
		var r ReasoningEntry
		var phase string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.GroupID, &r.Role, &r.AgentID, &r.Iteration, &phase, &r.Content, &r.CreatedAt); err != nil {
			return nil, wrap("scan reasoning", err)
		}
		r.Phase = Phase(phase)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate reasoning", err)
	}
	return out, nil
}
