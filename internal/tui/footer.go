package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Footer renders the status bar and keyboard hints.
type Footer struct {
	message      string
	isError      bool
	refreshedAt  time.Time
	focusedPanel int
	width        int

	errorStyle     lipgloss.Style
	messageStyle   lipgloss.Style
	hintStyle      lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter() *Footer {
	return &Footer{
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		messageStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),
		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetMessage sets the status message. Error messages are shown in red.
func (f *Footer) SetMessage(message string, isError bool) {
	f.message = message
	f.isError = isError
}

// SetRefreshed records when the last snapshot was taken.
func (f *Footer) SetRefreshed(t time.Time) {
	f.refreshedAt = t
}

// SetFocusedPanel sets which panel is currently focused.
func (f *Footer) SetFocusedPanel(panel int) {
	f.focusedPanel = panel
}

// SetWidth sets the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
}

// View renders the footer.
func (f *Footer) View() string {
	var left string
	if !f.refreshedAt.IsZero() {
		left = f.hintStyle.Render("updated " + f.refreshedAt.Local().Format("15:04:05"))
	}
	if f.message != "" {
		style := f.messageStyle
		if f.isError {
			style = f.errorStyle
		}
		if left != "" {
			left += f.separatorStyle.Render(" │ ")
		}
		left += style.Render(f.message)
	}

	right := f.hintStyle.Render(fmt.Sprintf("tab focus (%s) │ ↑/↓ scroll │ r refresh │ s sweep │ q quit", PanelName(f.focusedPanel)))
	if left == "" {
		return lipgloss.NewStyle().MaxWidth(f.width).Render(right)
	}
	return lipgloss.NewStyle().MaxWidth(f.width).Render(left + f.separatorStyle.Render(" │ ") + right)
}

// PanelName returns the name of the given panel index.
func PanelName(panel int) string {
	switch panel {
	case PanelTasks:
		return "Tasks"
	case PanelAgents:
		return "Agents"
	case PanelLocks:
		return "Locks"
	case PanelLogs:
		return "Activity"
	default:
		return fmt.Sprintf("Panel %d", panel)
	}
}
