package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// NewTokenUsage is one metering measurement reported by a dispatcher.
type NewTokenUsage struct {
	SessionID string
	GroupID   string
	Role      string
	AgentID   string
	TokensIn  int64
	TokensOut int64
}

// InsertTokenUsage appends a metering row.
func (s *Store) InsertTokenUsage(ctx context.Context, in NewTokenUsage) (*TokenUsage, error) {
	if in.TokensIn < 0 || in.TokensOut < 0 {
		return nil, fmt.Errorf("insert token usage: %w: negative token count", ErrInvalidInput)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := getSession(ctx, s.db, in.SessionID); err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, group_id, role, agent_id, tokens_in, tokens_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.SessionID, in.GroupID, in.Role, in.AgentID, in.TokensIn, in.TokensOut, now,
	)
	if err != nil {
		return nil, wrap("insert token usage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("insert token usage", err)
	}
	return &TokenUsage{
		ID:        id,
		SessionID: in.SessionID,
		GroupID:   in.GroupID,
		Role:      in.Role,
		AgentID:   in.AgentID,
		TokensIn:  in.TokensIn,
		TokensOut: in.TokensOut,
		CreatedAt: now,
	}, nil
}

// TokenUsageSummary aggregates token usage per role, ordered by role name.
func (s *Store) TokenUsageSummary(ctx context.Context, sessionID string) ([]RoleUsage, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COUNT(*)
		 FROM token_usage WHERE session_id = ?
		 GROUP BY role ORDER BY role`,
		sessionID,
	)
	if err != nil {
		return nil, wrap("query token usage", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RoleUsage
	for rows.Next() {
		var u RoleUsage
		if err := rows.Scan(&u.Role, &u.TokensIn, &u.TokensOut, &u.Records); err != nil {
			return nil, wrap("scan token usage", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate token usage", err)
	}
	return out, nil
}

// InsertSkillOutput appends one skill audit row.
func (s *Store) InsertSkillOutput(ctx context.Context, sessionID, role, skill string, output json.RawMessage) (*SkillOutput, error) {
	if skill == "" {
		return nil, fmt.Errorf("insert skill output: %w: empty skill name", ErrInvalidInput)
	}
	if !json.Valid(output) {
		return nil, fmt.Errorf("insert skill output %s: %w: output is not valid JSON", skill, ErrInvalidInput)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := getSession(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO skill_outputs (session_id, role, skill, output, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, skill, string(output), now,
	)
	if err != nil {
		return nil, wrap("insert skill output", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("insert skill output", err)
	}
	return &SkillOutput{ID: id, SessionID: sessionID, Role: role, Skill: skill, Output: output, CreatedAt: now}, nil
}

// SkillOutputs lists the skill outputs of a session, optionally filtered by
// skill name, oldest first.
func (s *Store) SkillOutputs(ctx context.Context, sessionID, skill string) ([]SkillOutput, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, skill, output, created_at FROM skill_outputs
		 WHERE session_id = ? AND (? = '' OR skill = ?)
		 ORDER BY id ASC`,
		sessionID, skill, skill,
	)
	if err != nil {
		return nil, wrap("query skill outputs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SkillOutput
	for rows.Next() {
		var so SkillOutput
		var output string
		if err := rows.Scan(&so.ID, &so.SessionID, &so.Role, &so.Skill, &output, &so.CreatedAt); err != nil {
			return nil, wrap("scan skill output", err)
		}
		so.Output = json.RawMessage(output)
		out = append(out, so)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate skill outputs", err)
	}
	return out, nil
}
