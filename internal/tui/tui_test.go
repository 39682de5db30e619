package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/watch"
)

func note(t *testing.T, id int64, kind watch.Kind, sessionID, groupID string, payload any) watch.Notification {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return watch.Notification{ID: id, Kind: kind, SessionID: sessionID, GroupID: groupID, Payload: data}
}

func sampleFeed(t *testing.T) []watch.Notification {
	now := time.Now()
	return []watch.Notification{
		note(t, 1, watch.KindSessionStarted, "sess-1234567890", "", store.Session{ID: "sess-1234567890", Status: store.SessionActive, Mode: store.ModeSingle, Request: "add login page", StartedAt: now}),
		note(t, 2, watch.KindGroupUpdated, "sess-1234567890", "G1", store.TaskGroup{SessionID: "sess-1234567890", ID: "G1", Name: "login form", Status: store.GroupInProgress, Assignee: "reviewer", CreatedAt: now}),
		note(t, 3, watch.KindLogAdded, "sess-1234567890", "G1", store.Interaction{Role: "planner", Seq: 1, Content: "All done\nBAZINGA"}),
		note(t, 3, watch.KindTerminalReached, "sess-1234567890", "G1", map[string]any{"marker": "BAZINGA", "role": "planner"}),
		note(t, 4, watch.KindEventRecorded, "sess-1234567890", "G1", store.Event{Subtype: "review_issues", Iteration: 1, Revision: 2}),
	}
}

func TestBoard_Apply(t *testing.T) {
	b := NewBoard()
	for _, n := range sampleFeed(t) {
		_, applied := b.Apply(n)
		assert.True(t, applied, "notification %d %s", n.ID, n.Kind)
	}
	require.Len(t, b.Lines, 5)
	assert.True(t, b.Terminal["sess-1234567890"])
	assert.Equal(t, "#1 All done …", b.Lines[2].Text)
	assert.Equal(t, "event review_issues iteration 1 (revision 2)", b.Lines[4].Text)

	groups := b.GroupList("sess-1234567890")
	require.Len(t, groups, 1)
	assert.Equal(t, store.GroupInProgress, groups[0].Status)
	assert.Equal(t, []string{"sess-1234567890"}, b.SessionIDs())

	// Redelivery after a reconnect is ignored.
	for _, n := range sampleFeed(t) {
		_, applied := b.Apply(n)
		assert.False(t, applied)
	}
	assert.Len(t, b.Lines, 5)
}

func TestLineString(t *testing.T) {
	l := Line{SessionID: "sess-1234567890", GroupID: "G1", Kind: watch.KindLogAdded, Role: "implementer", Text: "#2 READY_FOR_QA"}
	assert.Equal(t, "sess-123/G1 log:added [implementer] #2 READY_FOR_QA", l.String())
}

func TestModel_UpdateAndView(t *testing.T) {
	hub := watch.NewHub(16)
	sub := hub.Subscribe("")
	m := NewModel(sub, "")

	assert.Contains(t, m.View(), "connecting")
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	for _, n := range sampleFeed(t) {
		_, cmd := m.Update(NotificationMsg{Notification: n})
		assert.NotNil(t, cmd)
	}
	view := m.View()
	assert.Contains(t, view, "login form")
	assert.Contains(t, view, "TERMINAL")
	assert.Contains(t, view, "BAZINGA reached")

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
	assert.Contains(t, m.View(), "paused")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	m.Update(ClosedMsg{Err: watch.ErrSubscriberLagged})
	assert.True(t, m.Closed)
	assert.Contains(t, m.View(), "stream closed")
}

func TestModel_WaitForNotification(t *testing.T) {
	hub := watch.NewHub(4)
	sub := hub.Subscribe("s1")
	m := NewModel(sub, "s1")

	hub.Publish(watch.Notification{ID: 7, Kind: watch.KindLogAdded, SessionID: "s1"})
	msg := m.waitForNotification()()
	got, ok := msg.(NotificationMsg)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Notification.ID)

	sub.Close()
	msg = m.waitForNotification()()
	closed, ok := msg.(ClosedMsg)
	require.True(t, ok)
	assert.NoError(t, closed.Err)
}

func TestRunPlain(t *testing.T) {
	hub := watch.NewHub(16)
	sub := hub.Subscribe("")
	for _, n := range sampleFeed(t) {
		hub.Publish(n)
	}
	hub.Close()

	var out bytes.Buffer
	require.NoError(t, RunPlain(context.Background(), sub, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "session started (single): add login page")
	assert.Contains(t, lines[3], "terminal:reached [planner] BAZINGA reached")
}

func TestRunPlain_StopsOnCancel(t *testing.T) {
	sub := watch.NewHub(1).Subscribe("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, RunPlain(ctx, sub, &bytes.Buffer{}))
}
