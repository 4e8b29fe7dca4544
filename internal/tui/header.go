package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/coord/pkg/models"
)

// Header renders the title bar and the task counts line.
type Header struct {
	width  int
	source string
	counts map[models.TaskState]int
	agents map[models.AgentStatus]int

	titleStyle lipgloss.Style
	dimStyle   lipgloss.Style
}

// NewHeader creates a new Header. source names what is being watched, usually
// the store path.
func NewHeader(source string) *Header {
	return &Header{
		width:  80,
		source: source,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// SetCounts updates the task and agent counts.
func (h *Header) SetCounts(tasks map[models.TaskState]int, agents []models.Agent) {
	h.counts = tasks
	h.agents = make(map[models.AgentStatus]int, 3)
	for _, a := range agents {
		h.agents[a.Status]++
	}
}

// View renders the header.
func (h *Header) View() string {
	title := h.titleStyle.Render("coord") + " " + h.dimStyle.Render(h.source)

	var parts []string
	for _, s := range models.TaskStates {
		parts = append(parts, stateStyle(s).Render(fmt.Sprintf("%s %d", s, h.counts[s])))
	}
	line := strings.Join(parts, "  ")
	line += h.dimStyle.Render("  │  ") + fmt.Sprintf("agents %s/%s/%s",
		statusStyle(models.AgentAlive).Render(fmt.Sprint(h.agents[models.AgentAlive])),
		statusStyle(models.AgentStale).Render(fmt.Sprint(h.agents[models.AgentStale])),
		statusStyle(models.AgentOffline).Render(fmt.Sprint(h.agents[models.AgentOffline])))

	return lipgloss.NewStyle().MaxWidth(h.width).Render(lipgloss.JoinVertical(lipgloss.Left, title, line))
}

// Height returns the header height in lines.
func (h *Header) Height() int {
	return 2
}

func stateStyle(s models.TaskState) lipgloss.Style {
	var c string
	switch s {
	case models.TaskQueued:
		c = "252"
	case models.TaskClaimed:
		c = "45"
	case models.TaskInProgress:
		c = "214"
	case models.TaskCompleted:
		c = "34"
	case models.TaskFailed:
		c = "196"
	default:
		c = "244"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
}

func statusStyle(s models.AgentStatus) lipgloss.Style {
	switch s {
	case models.AgentAlive:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	case models.AgentStale:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	}
}
