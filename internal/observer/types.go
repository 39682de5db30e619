package observer

import (
	"encoding/json"

	"github.com/berth-dev/baton/internal/store"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Request      string     `json:"request"`
	Mode         store.Mode `json:"mode"`
	SpecialRules []string   `json:"special_rules,omitempty"`
}

// CompleteSessionRequest is the body of POST /sessions/{id}/complete.
type CompleteSessionRequest struct {
	Verdict string `json:"verdict"`
}

// CreateGroupRequest is the body of POST /sessions/{id}/groups. An empty
// ID is assigned by the store.
type CreateGroupRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Assignee   string `json:"assignee,omitempty"`
	Complexity int    `json:"complexity,omitempty"`
}

// TurnRequest is the body of POST /sessions/{id}/turns.
type TurnRequest struct {
	GroupID string `json:"group_id,omitempty"`
	Role    string `json:"role"`
	AgentID string `json:"agent_id,omitempty"`
	Seq     int64  `json:"seq"`
	Content string `json:"content"`
}

// TurnResponse reports whether the turn was newly stored.
type TurnResponse struct {
	Interaction *store.Interaction `json:"interaction"`
	Created     bool               `json:"created"`
}

// ReasoningRequest is the body of POST /sessions/{id}/reasoning. A nil
// Iteration means the group's current revision.
type ReasoningRequest struct {
	GroupID   string      `json:"group_id,omitempty"`
	Role      string      `json:"role"`
	AgentID   string      `json:"agent_id,omitempty"`
	Iteration *int        `json:"iteration,omitempty"`
	Phase     store.Phase `json:"phase"`
	Content   string      `json:"content"`
}

// AdvanceRequest is the body of POST /sessions/{id}/advance. When Markers
// is empty they are extracted from Output.
type AdvanceRequest struct {
	GroupID      string   `json:"group_id,omitempty"`
	Role         string   `json:"role"`
	AgentID      string   `json:"agent_id,omitempty"`
	Markers      []string `json:"markers,omitempty"`
	Output       string   `json:"output,omitempty"`
	SpecialRules []string `json:"special_rules,omitempty"`
}

// SaveEventRequest is the body of POST /sessions/{id}/events.
type SaveEventRequest struct {
	GroupID   string          `json:"group_id,omitempty"`
	Iteration int             `json:"iteration"`
	Subtype   string          `json:"subtype"`
	Payload   json.RawMessage `json:"payload"`
}

// UsageRequest is the body of POST /sessions/{id}/usage.
type UsageRequest struct {
	GroupID   string `json:"group_id,omitempty"`
	Role      string `json:"role"`
	AgentID   string `json:"agent_id,omitempty"`
	TokensIn  int64  `json:"tokens_in"`
	TokensOut int64  `json:"tokens_out"`
}

// SkillOutputRequest is the body of POST /sessions/{id}/skills.
type SkillOutputRequest struct {
	Role   string          `json:"role,omitempty"`
	Skill  string          `json:"skill"`
	Output json.RawMessage `json:"output"`
}

// SnapshotRequest is the body of POST /sessions/{id}/snapshots.
type SnapshotRequest struct {
	StateType string          `json:"state_type"`
	Data      json.RawMessage `json:"data"`
}
