// Package store provides SQLite-backed persistence for workflow sessions,
// task groups, interaction logs, reasoning, ledger events, snapshots,
// metering rows and the change feed.
package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Mode is the execution mode of a session.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeParallel Mode = "parallel"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSingle || m == ModeParallel
}

// GroupStatus is the status of a TaskGroup.
type GroupStatus string

const (
	GroupPending    GroupStatus = "pending"
	GroupInProgress GroupStatus = "in_progress"
	GroupCompleted  GroupStatus = "completed"
	GroupFailed     GroupStatus = "failed"
)

// Terminal reports whether the group can no longer transition.
func (s GroupStatus) Terminal() bool {
	return s == GroupCompleted || s == GroupFailed
}

// allowedGroupTransitions lists every legal (from, to) pair. The self-loop on
// in_progress is the rework cycle.
var allowedGroupTransitions = map[GroupStatus]map[GroupStatus]struct{}{
	GroupPending: {
		GroupInProgress: {},
		GroupFailed:     {},
	},
	GroupInProgress: {
		GroupInProgress: {},
		GroupCompleted:  {},
		GroupFailed:     {},
	},
}

// CanTransition reports whether a group may move from one status to another.
func CanTransition(from, to GroupStatus) bool {
	_, ok := allowedGroupTransitions[from][to]
	return ok
}

// Phase names a reasoning phase.
type Phase string

const (
	PhaseUnderstanding Phase = "understanding"
	PhaseApproach      Phase = "approach"
	PhaseDecisions     Phase = "decisions"
	PhaseRisks         Phase = "risks"
	PhaseBlockers      Phase = "blockers"
	PhasePivot         Phase = "pivot"
	PhaseCompletion    Phase = "completion"
)

var knownPhases = map[Phase]struct{}{
	PhaseUnderstanding: {},
	PhaseApproach:      {},
	PhaseDecisions:     {},
	PhaseRisks:         {},
	PhaseBlockers:      {},
	PhasePivot:         {},
	PhaseCompletion:    {},
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	_, ok := knownPhases[p]
	return ok
}

// Session is one end-to-end run.
type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	Mode         Mode          `json:"mode"`
	Request      string        `json:"request"`
	SpecialRules []string      `json:"special_rules,omitempty"`
	Verdict      string        `json:"verdict,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SessionSummary is a session plus its group counts, for listings.
type SessionSummary struct {
	Session
	GroupsCompleted int `json:"groups_completed"`
	GroupsTotal     int `json:"groups_total"`
}

// TaskGroup is one unit of deliverable work within a session.
type TaskGroup struct {
	SessionID   string      `json:"session_id"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      GroupStatus `json:"status"`
	Assignee    string      `json:"assignee,omitempty"`
	Revision    int         `json:"revision"`
	Complexity  int         `json:"complexity"`
	LastVerdict string      `json:"last_verdict,omitempty"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Interaction is an immutable record of one role's turn.
type Interaction struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id,omitempty"`
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ReasoningEntry captures a role's stated reasoning at a named phase.
type ReasoningEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id,omitempty"`
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"phase"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a deduplicated ledger record, unique per
// (session, group, iteration, subtype).
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Iteration int             `json:"iteration"`
	Subtype   string          `json:"subtype"`
	Payload   json.RawMessage `json:"payload"`
	Revision  int             `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot is a versioned blob of working state.
type Snapshot struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StateType string          `json:"state_type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// TokenUsage is one metering row.
type TokenUsage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id,omitempty"`
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleUsage aggregates token usage for one role.
type RoleUsage struct {
	Role      string `json:"role"`
	TokensIn  int64  `json:"tokens_in"`
	TokensOut int64  `json:"tokens_out"`
	Records   int    `json:"records"`
}

// SkillOutput is one audit row of a skill invocation.
type SkillOutput struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Skill     string          `json:"skill"`
	Output    json.RawMessage `json:"output"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChangeKind classifies a change feed row.
type ChangeKind string

const (
	ChangeSessionStarted   ChangeKind = "session:started"
	ChangeSessionCompleted ChangeKind = "session:completed"
	ChangeLogAdded         ChangeKind = "log:added"
	ChangeGroupUpdated     ChangeKind = "group:updated"
	ChangeEventRecorded    ChangeKind = "event:recorded"
)

// Change is one row of the change feed. IDs increase in commit order.
type Change struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Kind      ChangeKind      `json:"kind"`
	RefID     string          `json:"ref_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
