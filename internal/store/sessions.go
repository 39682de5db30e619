package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, status, mode, request, special_rules, verdict, started_at, ended_at, archived_at, updated_at`

// NewSession describes a session to create.
type NewSession struct {
	Request      string
	Mode         Mode
	SpecialRules []string
}

// CreateSession inserts a new active session. At most one session may be
// active at a time; a second call fails with ErrDuplicateSession.
func (s *Store) CreateSession(ctx context.Context, in NewSession) (*Session, error) {
	if !in.Mode.Valid() {
		return nil, fmt.Errorf("create session: %w: unknown mode %q", ErrInvalidInput, in.Mode)
	}
	rules := in.SpecialRules
	if rules == nil {
		rules = []string{}
	}
	rulesJSON, err := marshalJSON(rules)
	if err != nil {
		return nil, fmt.Errorf("marshal special rules: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	sess := &Session{
		ID:           uuid.New().String(),
		Status:       SessionActive,
		Mode:         in.Mode,
		Request:      in.Request,
		SpecialRules: rules,
		StartedAt:    now,
		UpdatedAt:    now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		active, err := findActiveSession(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("create session: %w (%s)", ErrDuplicateSession, active.ID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, status, mode, request, special_rules, verdict, started_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
			sess.ID, string(sess.Status), string(sess.Mode), sess.Request, rulesJSON, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create session: %w", ErrDuplicateSession)
			}
			return wrap("insert session", err)
		}
		return insertChange(ctx, tx, now, sess.ID, "", ChangeSessionStarted, sess.ID, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return getSession(ctx, s.db, id)
}

// FindActiveSession returns the active session, or nil if none is active.
func (s *Store) FindActiveSession(ctx context.Context) (*Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return findActiveSession(ctx, s.db)
}

// ListOptions filters session listings.
type ListOptions struct {
	IncludeArchived bool
	Limit           int
}

// ListSessions returns summaries of the most recent sessions.
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.status, s.mode, s.request, s.special_rules, s.verdict,
		        s.started_at, s.ended_at, s.archived_at, s.updated_at,
		        COALESCE(SUM(CASE WHEN g.status = 'completed' THEN 1 ELSE 0 END), 0),
		        COUNT(g.id)
		 FROM sessions s
		 LEFT JOIN task_groups g ON s.id = g.session_id
		 WHERE (? OR s.archived_at IS NULL)
		 GROUP BY s.id
		 ORDER BY s.started_at DESC
		 LIMIT ?`,
		opts.IncludeArchived, normalizeLimit(opts.Limit),
	)
	if err != nil {
		return nil, wrap("query sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		dest, finish := sessionDest(&sum.Session)
		dest = append(dest, &sum.GroupsCompleted, &sum.GroupsTotal)
		if err := rows.Scan(dest...); err != nil {
			return nil, wrap("scan session summary", err)
		}
		if err := finish(); err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate sessions", err)
	}
	return summaries, nil
}

// CompleteSession moves an active session to a terminal status. Repeating
// the call with the same status and verdict is a no-op; a conflicting call
// fails with ErrAlreadyTerminal.
func (s *Store) CompleteSession(ctx context.Context, id string, status SessionStatus, verdict string) (*Session, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete session: %w: status %q is not terminal", ErrInvalidInput, status)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			if sess.Status == status && sess.Verdict == verdict {
				out = sess
				return nil
			}
			return fmt.Errorf("complete session %s: %w (%s)", id, ErrAlreadyTerminal, sess.Status)
		}
		out, err = completeSession(ctx, tx, s.now(), sess, status, verdict)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func completeSession(ctx context.Context, q queryer, now time.Time, sess *Session, status SessionStatus, verdict string) (*Session, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE sessions SET status = ?, verdict = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		string(status), verdict, now, now, sess.ID,
	)
	if err != nil {
		return nil, wrap("update session", err)
	}
	done := *sess
	done.Status = status
	done.Verdict = verdict
	done.EndedAt = &now
	done.UpdatedAt = now
	if err := insertChange(ctx, q, now, sess.ID, "", ChangeSessionCompleted, sess.ID, done); err != nil {
		return nil, err
	}
	return &done, nil
}

// ArchiveSession hides a terminal session from default listings. Archiving
// an archived session is a no-op.
func (s *Store) ArchiveSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if !sess.Status.Terminal() {
			return fmt.Errorf("archive session %s: %w", id, ErrNotTerminal)
		}
		if sess.ArchivedAt == nil {
			now := s.now()
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET archived_at = ?, updated_at = ? WHERE id = ?`, now, now, id,
			); err != nil {
				return wrap("archive session", err)
			}
			sess.ArchivedAt = &now
			sess.UpdatedAt = now
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveEndedBefore archives every terminal, unarchived session that ended
// before cutoff and returns how many were archived.
func (s *Store) ArchiveEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived_at = ?, updated_at = ?
		 WHERE archived_at IS NULL AND status IN ('completed', 'failed') AND ended_at < ?`,
		now, now, cutoff.UTC(),
	)
	if err != nil {
		return 0, wrap("archive sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("archive sessions", err)
	}
	return n, nil
}

func getSession(ctx context.Context, q queryer, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	if err != nil {
		return nil, wrap("scan session", err)
	}
	return sess, nil
}

func findActiveSession(ctx context.Context, q queryer) (*Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'active'
		 ORDER BY started_at DESC
		 LIMIT 1`,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("scan active session", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	dest, finish := sessionDest(&sess)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// sessionDest returns scan destinations for sessionColumns and a finisher
// that converts the raw columns into sess.
func sessionDest(sess *Session) ([]any, func() error) {
	var status, mode, rules string
	var ended, archived sql.NullTime
	dest := []any{&sess.ID, &status, &mode, &sess.Request, &rules, &sess.Verdict,
		&sess.StartedAt, &ended, &archived, &sess.UpdatedAt}
	return dest, func() error {
		sess.Status = SessionStatus(status)
		sess.Mode = Mode(mode)
		sess.EndedAt = nullTime(ended)
		sess.ArchivedAt = nullTime(archived)
		if err := json.Unmarshal([]byte(rules), &sess.SpecialRules); err != nil {
			return fmt.Errorf("parse special rules for session %s: %w", sess.ID, err)
		}
		return nil
	}
}
