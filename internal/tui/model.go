package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/baton/internal/watch"
)

// Model is the Bubble Tea model of the watch view.
type Model struct {
	SessionID string // empty when watching every session
	Board     *Board
	Err       error
	Closed    bool

	updates  <-chan watch.Notification
	closeErr func() error

	keys     KeyMap
	spinner  spinner.Model
	viewport viewport.Model
	follow   bool
	ready    bool
	width    int
	height   int
}

// NewModel returns a model fed by sub.
func NewModel(sub *watch.Subscription, sessionID string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = WarningStyle

	return &Model{
		SessionID: sessionID,
		Board:     NewBoard(),
		updates:   sub.C,
		closeErr:  sub.Err,
		keys:      DefaultKeyMap,
		spinner:   sp,
		viewport:  viewport.New(80, 20),
		follow:    true,
		width:     80,
		height:    24,
	}
}

// Init starts the spinner and the first notification read.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForNotification())
}

func (m *Model) waitForNotification() tea.Cmd {
	ch, errFn := m.updates, m.closeErr
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return ClosedMsg{Err: errFn()}
		}
		return NotificationMsg{Notification: n}
	}
}

// Update handles input, resizes and notifications.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			m.follow = false
			m.viewport.LineUp(1)
		case key.Matches(msg, m.keys.Down):
			m.viewport.LineDown(1)
		case key.Matches(msg, m.keys.Follow):
			m.follow = true
			m.viewport.GotoBottom()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.resize()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case NotificationMsg:
		if _, applied := m.Board.Apply(msg.Notification); applied {
			m.refreshLog()
		}
		return m, m.waitForNotification()

	case ClosedMsg:
		m.Closed = true
		m.Err = msg.Err
		return m, nil
	}
	return m, nil
}

// resize gives the activity log whatever the header leaves.
func (m *Model) resize() {
	h := m.height - lipgloss.Height(m.header()) - 3
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.refreshLog()
}

func (m *Model) refreshLog() {
	lines := make([]string, len(m.Board.Lines))
	for i, l := range m.Board.Lines {
		lines[i] = renderLine(l)
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func renderLine(l Line) string {
	var sb strings.Builder
	if !l.At.IsZero() {
		sb.WriteString(DimStyle.Render(l.At.Local().Format("15:04:05")) + " ")
	}
	if l.GroupID != "" {
		sb.WriteString(DimStyle.Render(l.GroupID) + " ")
	}
	switch l.Kind {
	case watch.KindTerminalReached:
		sb.WriteString(TerminalBadge + " ")
	case watch.KindSessionCompleted:
		sb.WriteString(SuccessStyle.Render(string(l.Kind)) + " ")
	default:
		sb.WriteString(DimStyle.Render(string(l.Kind)) + " ")
	}
	if l.Role != "" {
		sb.WriteString(RoleStyle.Render("["+l.Role+"]") + " ")
	}
	sb.WriteString(l.Text)
	return sb.String()
}

func (m *Model) header() string {
	var sb strings.Builder
	title := "baton watch"
	if m.SessionID != "" {
		title += " " + shortID(m.SessionID)
	}
	sb.WriteString(TitleStyle.Render(title))

	ids := m.Board.SessionIDs()
	if m.SessionID != "" {
		ids = []string{m.SessionID}
	}
	for _, id := range ids {
		sess, ok := m.Board.Sessions[id]
		if !ok {
			continue
		}
		status := sessionStyle(sess.Status).Render(string(sess.Status))
		line := fmt.Sprintf("\n%s %s %s", shortID(id), status, DimStyle.Render(firstLine(sess.Request)))
		if m.Board.Terminal[id] {
			line += " " + TerminalBadge
		}
		sb.WriteString(line)
		for _, g := range m.Board.GroupList(id) {
			row := fmt.Sprintf("\n  %s %-4s %-28s %-11s rev %d", groupIcon(g.Status), g.ID, firstLine(g.Name), g.Status, g.Revision)
			if g.Assignee != "" {
				row += DimStyle.Render(" → " + g.Assignee)
			}
			sb.WriteString(row)
		}
	}
	return sb.String()
}

// View renders the header, the activity log and a status bar.
func (m *Model) View() string {
	if !m.ready {
		return m.spinner.View() + " connecting..."
	}
	status := m.spinner.View() + " watching"
	switch {
	case m.Err != nil:
		status = ErrorStyle.Render("stream closed: " + m.Err.Error())
	case m.Closed:
		status = DimStyle.Render("stream closed")
	}
	if !m.follow {
		status += DimStyle.Render(" (paused)")
	}
	bar := StatusBarStyle.Width(m.width).Render(status + "   " + m.keys.help())

	return lipgloss.JoinVertical(lipgloss.Left,
		BoxStyle.Width(max(m.width-2, 20)).Render(m.header()),
		m.viewport.View(),
		bar,
	)
}
