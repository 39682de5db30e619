// Package watch propagates committed store changes to subscribers. A single
// poll loop reads the change feed past a process-local watermark and fans
// each row out to the subscribers of its session and to global subscribers.
package watch

import (
	"encoding/json"
	"time"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

// Kind is the type of a notification.
type Kind string

const (
	KindSessionStarted   Kind = Kind(store.ChangeSessionStarted)
	KindSessionCompleted Kind = Kind(store.ChangeSessionCompleted)
	KindLogAdded         Kind = Kind(store.ChangeLogAdded)
	KindGroupUpdated     Kind = Kind(store.ChangeGroupUpdated)
	KindEventRecorded    Kind = Kind(store.ChangeEventRecorded)
	// KindTerminalReached is synthesized when a log's content carries the
	// terminal marker. It shares the ID of the log:added notification.
	KindTerminalReached Kind = "terminal:reached"
)

// Notification is one delivered change. Delivery is at-least-once, so
// consumers should deduplicate on (ID, Kind).
type Notification struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	GroupID   string          `json:"group_id,omitempty"`
	RefID     string          `json:"ref_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expand turns a change row into its notifications: the row itself, plus a
// terminal:reached notification when it is a log whose content contains
// terminalMarker.
func Expand(c store.Change, terminalMarker string) []Notification {
	n := Notification{
		ID:        c.ID,
		Kind:      Kind(c.Kind),
		SessionID: c.SessionID,
		GroupID:   c.GroupID,
		RefID:     c.RefID,
		Payload:   c.Payload,
		CreatedAt: c.CreatedAt,
	}
	out := []Notification{n}
	if c.Kind != store.ChangeLogAdded || terminalMarker == "" {
		return out
	}

	var it store.Interaction
	if err := json.Unmarshal(c.Payload, &it); err != nil {
		return out
	}
	if !workflow.ContainsMarker(it.Content, terminalMarker) {
		return out
	}
	term := n
	term.Kind = KindTerminalReached
	term.Payload, _ = json.Marshal(map[string]any{
		"marker": terminalMarker,
		"role":   it.Role,
		"seq":    it.Seq,
	})
	return append(out, term)
}
