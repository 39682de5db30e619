// Package lifecycle creates sessions and task groups, records role turns,
// and advances groups through the workflow by consulting the router and
// writing every step through the store.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

// RuleRevisionLimit is added to the active special rules once a group's
// revision counter reaches Options.MaxRevisions.
const RuleRevisionLimit = "revision_limit"

// ErrUnknownRule is returned when a session asks for a special rule the
// transition table does not declare.
var ErrUnknownRule = errors.New("unknown special rule")

// Options configures a Manager.
type Options struct {
	// MaxRevisions enables the revision_limit rule when > 0.
	MaxRevisions int
	// EnforcePhases gates Advance on RequiredPhases.
	EnforcePhases  bool
	RequiredPhases []store.Phase
	// ReviewerRole's markers are stored as the group's last verdict.
	ReviewerRole string
	Retry        RetryPolicy
	Logger       *slog.Logger
}

// DefaultOptions returns the options used by the CLI when no config
// overrides them.
func DefaultOptions() Options {
	return Options{
		MaxRevisions:   3,
		EnforcePhases:  true,
		RequiredPhases: RequiredPhases,
		ReviewerRole:   "reviewer",
		Retry:          DefaultRetryPolicy(),
	}
}

// Manager is the only writer of session and group status.
type Manager struct {
	store  *store.Store
	router *workflow.Router
	opts   Options
	logger *slog.Logger
}

// New returns a Manager writing through st and routing with router.
func New(st *store.Store, router *workflow.Router, opts Options) *Manager {
	if opts.RequiredPhases == nil {
		opts.RequiredPhases = RequiredPhases
	}
	if opts.ReviewerRole == "" {
		opts.ReviewerRole = "reviewer"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, router: router, opts: opts, logger: logger.With("component", "lifecycle")}
}

// Store returns the underlying store.
func (m *Manager) Store() *store.Store { return m.store }

// Router returns the router used by Advance.
func (m *Manager) Router() *workflow.Router { return m.router }

// CreateSession starts a new active session. specialRules must all be
// declared by the transition table.
func (m *Manager) CreateSession(ctx context.Context, request string, mode store.Mode, specialRules []string) (*store.Session, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("create session: %w: request text is required", store.ErrInvalidInput)
	}
	table := m.router.Table()
	for _, r := range specialRules {
		if !table.HasOverride(r) {
			return nil, fmt.Errorf("create session: %w %q", ErrUnknownRule, r)
		}
	}

	var sess *store.Session
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		sess, err = m.store.CreateSession(ctx, store.NewSession{Request: request, Mode: mode, SpecialRules: specialRules})
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session started", "session", sess.ID, "mode", sess.Mode)
	return sess, nil
}

// CreateTaskGroup adds a pending group to an active session.
func (m *Manager) CreateTaskGroup(ctx context.Context, in store.NewTaskGroup) (*store.TaskGroup, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("create task group: %w: name is required", store.ErrInvalidInput)
	}
	var g *store.TaskGroup
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		g, err = m.store.CreateTaskGroup(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task group created", "session", g.SessionID, "group", g.ID)
	return g, nil
}

// Turn is one role turn reported by a dispatcher.
type Turn struct {
	SessionID string `json:"session_id"`
	GroupID   string `json:"group_id,omitempty"`
	Role      string `json:"role"`
	AgentID   string `json:"agent_id,omitempty"`
	Seq       int64  `json:"seq"`
	Content   string `json:"content"`
}

// RecordTurn appends a turn. A retry with an already recorded sequence
// number returns the stored interaction and created=false.
func (m *Manager) RecordTurn(ctx context.Context, t Turn) (*store.Interaction, bool, error) {
	if t.Role == "" {
		return nil, false, fmt.Errorf("record turn: %w: role is required", store.ErrInvalidInput)
	}
	var (
		it      *store.Interaction
		created bool
	)
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		it, created, err = m.store.AppendInteraction(ctx, store.NewInteraction{
			SessionID: t.SessionID,
			GroupID:   t.GroupID,
			Role:      t.Role,
			AgentID:   t.AgentID,
			Seq:       t.Seq,
			Content:   t.Content,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		m.logger.Debug("duplicate turn ignored", "session", t.SessionID, "seq", t.Seq)
	}
	return it, created, nil
}

// RecordReasoning appends a reasoning entry.
func (m *Manager) RecordReasoning(ctx context.Context, in store.NewReasoning) (*store.ReasoningEntry, error) {
	var r *store.ReasoningEntry
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		r, err = m.store.AppendReasoning(ctx, in)
		return err
	})
	return r, err
}

// AdvanceRequest carries a role's outcome.
type AdvanceRequest struct {
	SessionID    string   `json:"session_id"`
	GroupID      string   `json:"group_id,omitempty"`
	Role         string   `json:"role"`
	AgentID      string   `json:"agent_id,omitempty"`
	Markers      []string `json:"markers"`
	SpecialRules []string `json:"special_rules,omitempty"`
}

// AdvanceResult is what Advance decided and wrote.
type AdvanceResult struct {
	Action  workflow.NextAction `json:"action"`
	Rules   []string            `json:"rules,omitempty"`
	Session *store.Session      `json:"session"`
	Group   *store.TaskGroup    `json:"group,omitempty"`
	Event   *store.Event        `json:"event,omitempty"`
}

// verdictPayload is the JSON body of a <role>_verdict ledger event.
type verdictPayload struct {
	Role    string              `json:"role"`
	AgentID string              `json:"agent_id,omitempty"`
	Markers []string            `json:"markers"`
	Rules   []string            `json:"rules,omitempty"`
	Action  workflow.NextAction `json:"action"`
}

// Advance routes a role's outcome and persists the resulting transition,
// its verdict event and any session completion in one transaction.
// Transient store failures are retried; a group that changed underneath
// the call fails with store.ErrConcurrentModification.
func (m *Manager) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if req.Role == "" {
		return nil, fmt.Errorf("advance: %w: role is required", store.ErrInvalidInput)
	}

	var res *AdvanceResult
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.advance(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{"session", req.SessionID, "role", req.Role, "action", res.Action.String()}
	if req.GroupID != "" {
		attrs = append(attrs, "group", req.GroupID, "revision", res.Group.Revision)
	}
	m.logger.Info("advanced", attrs...)
	return res, nil
}

func (m *Manager) advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	sess, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("advance session %s: %w (%s)", sess.ID, store.ErrAlreadyTerminal, sess.Status)
	}

	var group *store.TaskGroup
	iteration := 0
	if req.GroupID != "" {
		group, err = m.store.GetTaskGroup(ctx, req.SessionID, req.GroupID)
		if err != nil {
			return nil, err
		}
		if group.Status.Terminal() {
			return nil, fmt.Errorf("advance group %s: %w (%s)", group.ID, store.ErrAlreadyTerminal, group.Status)
		}
		iteration = group.Revision
	}

	if m.opts.EnforcePhases {
		report, err := m.checkPhases(ctx, req.SessionID, req.GroupID, req.Role, req.AgentID, iteration)
		if err != nil {
			return nil, err
		}
		if !report.Complete {
			return nil, &IncompletePhaseError{Role: req.Role, AgentID: req.AgentID, GroupID: req.GroupID, Iteration: iteration, Missing: report.Missing}
		}
	}

	rules := m.activeRules(sess, group, req.SpecialRules)
	action := m.router.Next(req.Role, req.Markers, rules)

	payload, err := json.Marshal(verdictPayload{
		Role:    req.Role,
		AgentID: req.AgentID,
		Markers: nonNil(req.Markers),
		Rules:   rules,
		Action:  action,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verdict: %w", err)
	}

	t := store.Transition{
		SessionID: sess.ID,
		GroupID:   req.GroupID,
		Event: &store.NewEvent{
			SessionID: sess.ID,
			GroupID:   req.GroupID,
			Iteration: iteration,
			Subtype:   VerdictSubtype(req.Role),
			Payload:   payload,
		},
	}
	if group != nil {
		t.ExpectedVersion = group.Version
		if req.Role == m.opts.ReviewerRole && len(req.Markers) > 0 {
			t.LastVerdict = strings.Join(req.Markers, ",")
		}
		switch action.Kind {
		case workflow.ActionRouteTo:
			t.GroupStatus = store.GroupInProgress
			t.Rework = action.Rework
			t.Assignee = action.Role
		case workflow.ActionTerminate:
			t.GroupStatus = store.GroupCompleted
			if VerdictStatus(action.Verdict) == store.SessionFailed {
				t.GroupStatus = store.GroupFailed
			}
		case workflow.ActionEscalate:
			t.GroupStatus = store.GroupFailed
		}
	} else {
		switch action.Kind {
		case workflow.ActionTerminate:
			t.SessionStatus = VerdictStatus(action.Verdict)
			t.SessionVerdict = action.Verdict
		case workflow.ActionEscalate:
			t.SessionStatus = store.SessionFailed
			t.SessionVerdict = "escalated: " + action.Reason
		}
	}

	applied, err := m.store.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}
	return &AdvanceResult{
		Action:  action,
		Rules:   rules,
		Session: applied.Session,
		Group:   applied.Group,
		Event:   applied.Event,
	}, nil
}

// activeRules merges request rules, session rules and derived rules into a
// sorted, duplicate-free list.
func (m *Manager) activeRules(sess *store.Session, group *store.TaskGroup, extra []string) []string {
	set := make(map[string]struct{})
	for _, r := range sess.SpecialRules {
		set[r] = struct{}{}
	}
	for _, r := range extra {
		set[r] = struct{}{}
	}
	if group != nil && m.opts.MaxRevisions > 0 && group.Revision >= m.opts.MaxRevisions {
		set[RuleRevisionLimit] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	rules := make([]string, 0, len(set))
	for r := range set {
		rules = append(rules, r)
	}
	sort.Strings(rules)
	return rules
}

// CompleteSession ends a session. The terminal status follows from the
// verdict (see VerdictStatus). Repeating an identical call is a no-op.
func (m *Manager) CompleteSession(ctx context.Context, sessionID, verdict string) (*store.Session, error) {
	status := VerdictStatus(verdict)
	var sess *store.Session
	err := m.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		sess, err = m.store.CompleteSession(ctx, sessionID, status, verdict)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session completed", "session", sessionID, "status", sess.Status, "verdict", sess.Verdict)
	return sess, nil
}

// VerdictSubtype is the ledger subtype of the verdict event written for
// each advance of role.
func VerdictSubtype(role string) string {
	return role + "_verdict"
}

// VerdictStatus maps a completion verdict to a terminal session status.
// Verdicts naming a failure map to failed, everything else to completed.
func VerdictStatus(verdict string) store.SessionStatus {
	v := strings.ToLower(strings.TrimSpace(verdict))
	for _, prefix := range []string{"fail", "escalat", "abandon", "abort", "reject"} {
		if strings.HasPrefix(v, prefix) {
			return store.SessionFailed
		}
	}
	return store.SessionCompleted
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
