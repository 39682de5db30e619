package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/baton/internal/store"
)

const (
	primaryColor   = "#7C3AED" // Purple
	secondaryColor = "#10B981" // Green
	warningColor   = "#F59E0B" // Amber
	errorColor     = "#EF4444" // Red
	dimColor       = "#6B7280" // Gray
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(primaryColor)).
			Bold(true)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(primaryColor)).
			Padding(0, 1)

	DimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(dimColor))
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(secondaryColor))
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(errorColor))
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(warningColor))
	RoleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(primaryColor))

	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#1F2937")).
			Foreground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)
)

// Group status icons (pre-rendered strings).
var (
	GroupDone     = SuccessStyle.Render("✓")
	GroupActive   = WarningStyle.Render("▸")
	GroupPending  = DimStyle.Render("○")
	GroupFailed   = ErrorStyle.Render("✗")
	TerminalBadge = SuccessStyle.Bold(true).Render("TERMINAL")
)

func groupIcon(s store.GroupStatus) string {
	switch s {
	case store.GroupCompleted:
		return GroupDone
	case store.GroupInProgress:
		return GroupActive
	case store.GroupFailed:
		return GroupFailed
	default:
		return GroupPending
	}
}

func sessionStyle(s store.SessionStatus) lipgloss.Style {
	switch s {
	case store.SessionCompleted:
		return SuccessStyle
	case store.SessionFailed:
		return ErrorStyle
	default:
		return WarningStyle
	}
}
