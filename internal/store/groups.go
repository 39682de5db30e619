package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const groupColumns = `session_id, id, name, status, assignee, revision, complexity, last_verdict, version, created_at, updated_at`

// NewTaskGroup describes a task group to create. An empty ID is replaced by
// the next free "G<n>" identifier within the session.
type NewTaskGroup struct {
	SessionID  string
	ID         string
	Name       string
	Assignee   string
	Complexity int
}

// CreateTaskGroup inserts a pending task group under an active session.
func (s *Store) CreateTaskGroup(ctx context.Context, in NewTaskGroup) (*TaskGroup, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out *TaskGroup
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != SessionActive {
			return fmt.Errorf("create task group: session %s is %s: %w", sess.ID, sess.Status, ErrUnknownSession)
		}

		id := in.ID
		if id == "" {
			id, err = nextGroupID(ctx, tx, sess.ID)
			if err != nil {
				return err
			}
		}

		now := s.now()
		g := &TaskGroup{
			SessionID:  sess.ID,
			ID:         id,
			Name:       in.Name,
			Status:     GroupPending,
			Assignee:   in.Assignee,
			Complexity: in.Complexity,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_groups (session_id, id, name, status, assignee, revision, complexity, last_verdict, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, '', 0, ?, ?)`,
			g.SessionID, g.ID, g.Name, string(g.Status), g.Assignee, g.Complexity, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create task group %s: %w", id, ErrDuplicateGroup)
			}
			return wrap("insert task group", err)
		}
		out = g
		return insertChange(ctx, tx, now, g.SessionID, g.ID, ChangeGroupUpdated, g.ID, g)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTaskGroup retrieves one task group.
func (s *Store) GetTaskGroup(ctx context.Context, sessionID, groupID string) (*TaskGroup, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return getGroup(ctx, s.db, sessionID, groupID)
}

// ListTaskGroups returns all groups of a session in creation order.
func (s *Store) ListTaskGroups(ctx context.Context, sessionID string) ([]TaskGroup, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM task_groups WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, wrap("query task groups", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []TaskGroup
	for rows.Next() {
		var g TaskGroup
		var status string
		if err := rows.Scan(&g.SessionID, &g.ID, &g.Name, &status, &g.Assignee, &g.Revision,
			&g.Complexity, &g.LastVerdict, &g.Version, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, wrap("scan task group", err)
		}
		g.Status = GroupStatus(status)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate task groups", err)
	}
	return groups, nil
}

// Transition is the atomic write produced by one advance of the workflow.
// GroupID empty means the transition applies to the session only.
type Transition struct {
	SessionID       string
	GroupID         string
	ExpectedVersion int64
	GroupStatus     GroupStatus
	Rework          bool
	LastVerdict     string
	Assignee        string
	// SessionStatus, when terminal, completes the session in the same
	// transaction.
	SessionStatus  SessionStatus
	SessionVerdict string
	// Event, when set, is upserted into the ledger in the same transaction.
	Event *NewEvent
}

// TransitionResult reports the rows written by ApplyTransition.
type TransitionResult struct {
	Session *Session
	Group   *TaskGroup
	Event   *Event
}

// ApplyTransition persists a workflow step. The group row is updated only if
// its version still equals ExpectedVersion.
func (s *Store) ApplyTransition(ctx context.Context, t Transition) (*TransitionResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res := &TransitionResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		sess, err := getSession(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return fmt.Errorf("advance session %s: %w (%s)", sess.ID, ErrAlreadyTerminal, sess.Status)
		}
		res.Session = sess

		if t.GroupID != "" {
			g, err := transitionGroup(ctx, tx, now, sess, t)
			if err != nil {
				return err
			}
			res.Group = g
			if err := insertChange(ctx, tx, now, g.SessionID, g.ID, ChangeGroupUpdated, g.ID, g); err != nil {
				return err
			}
		}

		if t.Event != nil {
			ev, err := upsertEvent(ctx, tx, now, *t.Event)
			if err != nil {
				return err
			}
			res.Event = ev
			if err := insertChange(ctx, tx, now, ev.SessionID, ev.GroupID, ChangeEventRecorded, fmt.Sprint(ev.ID), ev); err != nil {
				return err
			}
		}

		if t.SessionStatus.Terminal() {
			done, err := completeSession(ctx, tx, now, sess, t.SessionStatus, t.SessionVerdict)
			if err != nil {
				return err
			}
			res.Session = done
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func transitionGroup(ctx context.Context, tx *sql.Tx, now time.Time, sess *Session, t Transition) (*TaskGroup, error) {
	g, err := getGroup(ctx, tx, sess.ID, t.GroupID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return nil, fmt.Errorf("advance group %s: %w (%s)", g.ID, ErrAlreadyTerminal, g.Status)
	}
	if g.Version != t.ExpectedVersion {
		return nil, fmt.Errorf("advance group %s: %w (version %d, expected %d)",
			g.ID, ErrConcurrentModification, g.Version, t.ExpectedVersion)
	}
	if !CanTransition(g.Status, t.GroupStatus) {
		return nil, fmt.Errorf("advance group %s: %w (%s -> %s)", g.ID, ErrInvalidTransition, g.Status, t.GroupStatus)
	}

	if sess.Mode == ModeSingle && g.Status == GroupPending && t.GroupStatus == GroupInProgress {
		var busy int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_groups WHERE session_id = ? AND id != ? AND status = 'in_progress'`,
			sess.ID, g.ID,
		).Scan(&busy)
		if err != nil {
			return nil, wrap("count in-progress groups", err)
		}
		if busy > 0 {
			return nil, fmt.Errorf("advance group %s: %w", g.ID, ErrGroupBusy)
		}
	}

	bump := 0
	if t.Rework {
		bump = 1
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE task_groups
		 SET status = ?, revision = revision + ?,
		     last_verdict = CASE WHEN ? = '' THEN last_verdict ELSE ? END,
		     assignee = CASE WHEN ? = '' THEN assignee ELSE ? END,
		     version = version + 1, updated_at = ?
		 WHERE session_id = ? AND id = ? AND version = ?`,
		string(t.GroupStatus), bump,
		t.LastVerdict, t.LastVerdict,
		t.Assignee, t.Assignee, now,
		sess.ID, g.ID, t.ExpectedVersion,
	)
	if err != nil {
		return nil, wrap("update task group", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, wrap("update task group", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("advance group %s: %w", g.ID, ErrConcurrentModification)
	}

	g.Status = t.GroupStatus
	g.Revision += bump
	if t.LastVerdict != "" {
		g.LastVerdict = t.LastVerdict
	}
	if t.Assignee != "" {
		g.Assignee = t.Assignee
	}
	g.Version++
	g.UpdatedAt = now
	return g, nil
}

func getGroup(ctx context.Context, q queryer, sessionID, groupID string) (*TaskGroup, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM task_groups WHERE session_id = ? AND id = ?`,
		sessionID, groupID,
	)
	var g TaskGroup
	var status string
	err := row.Scan(&g.SessionID, &g.ID, &g.Name, &status, &g.Assignee, &g.Revision,
		&g.Complexity, &g.LastVerdict, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s in session %s: %w", groupID, sessionID, ErrUnknownGroup)
	}
	if err != nil {
		return nil, wrap("scan task group", err)
	}
	g.Status = GroupStatus(status)
	return &g, nil
}

// requireGroup checks that groupID, when set, exists in the session.
func requireGroup(ctx context.Context, q queryer, sessionID, groupID string) error {
	if groupID == "" {
		return nil
	}
	_, err := getGroup(ctx, q, sessionID, groupID)
	return err
}

func nextGroupID(ctx context.Context, q queryer, sessionID string) (string, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_groups WHERE session_id = ?`, sessionID,
	).Scan(&n); err != nil {
		return "", wrap("count task groups", err)
	}
	for {
		n++
		id := fmt.Sprintf("G%d", n)
		var exists int
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM task_groups WHERE session_id = ? AND id = ?`, sessionID, id,
		).Scan(&exists)
		if err != nil {
			return "", wrap("check task group id", err)
		}
		if exists == 0 {
			return id, nil
		}
	}
}
