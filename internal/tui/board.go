// Package tui implements the live `baton watch` view using Bubble Tea. When
// stdout is not a terminal the same notifications are printed as plain
// lines instead.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/watch"
)

const maxLines = 500

// Line is one rendered activity entry.
type Line struct {
	At        time.Time
	SessionID string
	GroupID   string
	Kind      watch.Kind
	Role      string
	Text      string
}

// Board folds notifications into the current picture of the watched
// sessions. It is not safe for concurrent use.
type Board struct {
	Sessions map[string]*store.Session
	Groups   map[string]map[string]*store.TaskGroup // session -> group id -> group
	Lines    []Line
	Terminal map[string]bool
	LastID   int64
	lastKind watch.Kind
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{
		Sessions: make(map[string]*store.Session),
		Groups:   make(map[string]map[string]*store.TaskGroup),
		Terminal: make(map[string]bool),
	}
}

// Apply folds n into the board and returns the activity line it produced.
// Duplicate deliveries (same ID and kind already applied) are ignored and
// return false.
func (b *Board) Apply(n watch.Notification) (Line, bool) {
	dup := n.ID < b.LastID ||
		(n.ID == b.LastID && (n.Kind != watch.KindTerminalReached || b.lastKind == watch.KindTerminalReached))
	if dup {
		return Line{}, false
	}
	b.LastID, b.lastKind = n.ID, n.Kind

	line := Line{At: n.CreatedAt, SessionID: n.SessionID, GroupID: n.GroupID, Kind: n.Kind}
	switch n.Kind {
	case watch.KindSessionStarted, watch.KindSessionCompleted:
		var s store.Session
		if err := json.Unmarshal(n.Payload, &s); err != nil {
			line.Text = "unreadable session payload"
			break
		}
		b.Sessions[s.ID] = &s
		if n.Kind == watch.KindSessionStarted {
			line.Text = fmt.Sprintf("session started (%s): %s", s.Mode, firstLine(s.Request))
		} else {
			line.Text = fmt.Sprintf("session %s: %s", s.Status, s.Verdict)
		}
	case watch.KindGroupUpdated:
		var g store.TaskGroup
		if err := json.Unmarshal(n.Payload, &g); err != nil {
			line.Text = "unreadable group payload"
			break
		}
		if b.Groups[g.SessionID] == nil {
			b.Groups[g.SessionID] = make(map[string]*store.TaskGroup)
		}
		b.Groups[g.SessionID][g.ID] = &g
		line.Text = fmt.Sprintf("%s %s rev %d", g.ID, g.Status, g.Revision)
		if g.Assignee != "" {
			line.Text += " -> " + g.Assignee
		}
	case watch.KindLogAdded:
		var it store.Interaction
		if err := json.Unmarshal(n.Payload, &it); err != nil {
			line.Text = "unreadable log payload"
			break
		}
		line.Role = it.Role
		line.Text = fmt.Sprintf("#%d %s", it.Seq, firstLine(it.Content))
	case watch.KindEventRecorded:
		var ev store.Event
		if err := json.Unmarshal(n.Payload, &ev); err != nil {
			line.Text = "unreadable event payload"
			break
		}
		line.Text = fmt.Sprintf("event %s iteration %d", ev.Subtype, ev.Iteration)
		if ev.Revision > 1 {
			line.Text += fmt.Sprintf(" (revision %d)", ev.Revision)
		}
	case watch.KindTerminalReached:
		var p struct {
			Marker string `json:"marker"`
			Role   string `json:"role"`
		}
		_ = json.Unmarshal(n.Payload, &p)
		b.Terminal[n.SessionID] = true
		line.Role = p.Role
		line.Text = p.Marker + " reached"
	default:
		line.Text = string(n.Payload)
	}

	b.Lines = append(b.Lines, line)
	if len(b.Lines) > maxLines {
		b.Lines = append([]Line(nil), b.Lines[len(b.Lines)-maxLines:]...)
	}
	return line, true
}

// SessionIDs returns the known sessions, most recently started first.
func (b *Board) SessionIDs() []string {
	ids := make([]string, 0, len(b.Sessions))
	for id := range b.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return b.Sessions[ids[i]].StartedAt.After(b.Sessions[ids[j]].StartedAt)
	})
	return ids
}

// GroupList returns a session's groups ordered by creation.
func (b *Board) GroupList(sessionID string) []*store.TaskGroup {
	out := make([]*store.TaskGroup, 0, len(b.Groups[sessionID]))
	for _, g := range b.Groups[sessionID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// String renders a line without styling.
func (l Line) String() string {
	var sb strings.Builder
	if !l.At.IsZero() {
		sb.WriteString(l.At.Local().Format("15:04:05"))
		sb.WriteByte(' ')
	}
	sb.WriteString(shortID(l.SessionID))
	if l.GroupID != "" {
		sb.WriteByte('/')
		sb.WriteString(l.GroupID)
	}
	sb.WriteByte(' ')
	sb.WriteString(string(l.Kind))
	if l.Role != "" {
		sb.WriteString(" [" + l.Role + "]")
	}
	if l.Text != "" {
		sb.WriteByte(' ')
		sb.WriteString(l.Text)
	}
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
