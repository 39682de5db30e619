package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings of the watch view.
type KeyMap struct {
	Quit   key.Binding
	Up     key.Binding
	Down   key.Binding
	Follow key.Binding
}

// DefaultKeyMap provides the default key bindings.
var DefaultKeyMap = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "scroll up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "scroll down"),
	),
	Follow: key.NewBinding(
		key.WithKeys("f", "G"),
		key.WithHelp("f", "follow"),
	),
}

func (k KeyMap) help() string {
	out := ""
	for i, b := range []key.Binding{k.Quit, k.Up, k.Down, k.Follow} {
		if i > 0 {
			out += "  "
		}
		h := b.Help()
		out += h.Key + " " + h.Desc
	}
	return out
}
