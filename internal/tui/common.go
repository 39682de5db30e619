package tui

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/berth-dev/baton/internal/watch"
)

// IsTTY returns true if stdout is connected to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Run shows notifications from sub until ctx is done or the user quits.
// If stdout is a TTY, it runs in alternate screen mode; otherwise it prints
// plain lines.
func Run(ctx context.Context, sub *watch.Subscription, sessionID string) error {
	if !IsTTY() {
		return RunPlain(ctx, sub, os.Stdout)
	}
	m := NewModel(sub, sessionID)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running watch view: %w", err)
	}
	return m.Err
}
