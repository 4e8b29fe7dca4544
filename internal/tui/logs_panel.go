package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// LogLevel represents the severity of an activity entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// PanelLogEntry represents a single entry in the activity panel.
type PanelLogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	AgentID   string // Empty means not agent-specific
	TaskID    string
	Message   string
}

// LogsPanel displays a filterable, scrollable activity log.
type LogsPanel struct {
	logs          []PanelLogEntry
	filter        string   // "all" or agent ID
	filterOptions []string // Available filter options
	filterIndex   int
	scrollOffset  int
	autoScroll    bool
	width         int
	height        int
	focused       bool
	maxLogs       int

	titleStyle   lipgloss.Style
	filterStyle  lipgloss.Style
	infoStyle    lipgloss.Style
	warnStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	timeStyle    lipgloss.Style
	agentStyle   lipgloss.Style
	messageStyle lipgloss.Style
}

// NewLogsPanel creates a new LogsPanel instance.
func NewLogsPanel() *LogsPanel {
	return &LogsPanel{
		filter:        "all",
		filterOptions: []string{"all"},
		autoScroll:    true,
		maxLogs:       1000,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),
		filterStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		warnStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		timeStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		agentStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
		messageStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
	}
}

// AddLog adds a new entry, dropping the oldest past the panel's capacity.
func (p *LogsPanel) AddLog(entry PanelLogEntry) {
	p.logs = append(p.logs, entry)
	if len(p.logs) > p.maxLogs {
		p.logs = p.logs[len(p.logs)-p.maxLogs:]
	}
	if entry.AgentID != "" {
		p.addFilterOption(entry.AgentID)
	}
	if p.autoScroll {
		p.scrollToBottom()
	}
}

func (p *LogsPanel) addFilterOption(agentID string) {
	for _, opt := range p.filterOptions {
		if opt == agentID {
			return
		}
	}
	p.filterOptions = append(p.filterOptions, agentID)
}

// SetSize updates the panel dimensions.
func (p *LogsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	if p.autoScroll {
		p.scrollToBottom()
	}
}

// SetFocused sets whether this panel has keyboard focus.
func (p *LogsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles input messages.
func (p *LogsPanel) Update(msg tea.Msg) (*LogsPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "up", "k":
			if p.scrollOffset > 0 {
				p.scrollOffset--
				p.autoScroll = false
			}
		case "down", "j":
			if p.scrollOffset < len(p.filteredLogs())-p.visibleLines() {
				p.scrollOffset++
			}
		case "f":
			p.filterIndex = (p.filterIndex + 1) % len(p.filterOptions)
			p.filter = p.filterOptions[p.filterIndex]
			p.scrollToBottom()
		case "g":
			p.scrollOffset = 0
			p.autoScroll = false
		case "G":
			p.scrollToBottom()
			p.autoScroll = true
		}
	}
	return p, nil
}

func (p *LogsPanel) visibleLines() int {
	lines := p.height - 3 // title and borders
	if lines < 1 {
		lines = 1
	}
	return lines
}

func (p *LogsPanel) scrollToBottom() {
	p.scrollOffset = len(p.filteredLogs()) - p.visibleLines()
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

func (p *LogsPanel) filteredLogs() []PanelLogEntry {
	if p.filter == "all" {
		return p.logs
	}
	var filtered []PanelLogEntry
	for _, log := range p.logs {
		if log.AgentID == p.filter {
			filtered = append(filtered, log)
		}
	}
	return filtered
}

// View renders the activity panel.
func (p *LogsPanel) View() string {
	var b strings.Builder

	title := "Activity"
	if p.focused {
		title = "[Activity]"
	}
	b.WriteString(p.titleStyle.Render(title))
	filterText := fmt.Sprintf(" [%s]", p.filter)
	if p.autoScroll {
		filterText += " (auto)"
	}
	b.WriteString(p.filterStyle.Render(filterText))
	b.WriteString("\n")

	filtered := p.filteredLogs()
	if len(filtered) == 0 {
		b.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Render("  No activity yet"))
	} else {
		end := p.scrollOffset + p.visibleLines()
		if end > len(filtered) {
			end = len(filtered)
		}
		start := p.scrollOffset
		if start < 0 {
			start = 0
		}
		lines := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			lines = append(lines, p.renderLogLine(filtered[i]))
		}
		b.WriteString(strings.Join(lines, "\n"))
	}

	return panelBorder(p.focused).
		Width(max(p.width-2, 1)).
		Height(max(p.height-2, 1)).
		Render(b.String())
}

func (p *LogsPanel) renderLogLine(entry PanelLogEntry) string {
	parts := []string{p.timeStyle.Render(entry.Timestamp.Local().Format("15:04:05"))}

	levelStyle, icon := p.infoStyle, "I"
	switch entry.Level {
	case LogLevelWarn:
		levelStyle, icon = p.warnStyle, "W"
	case LogLevelError:
		levelStyle, icon = p.errorStyle, "E"
	}
	parts = append(parts, levelStyle.Render(icon))

	if entry.AgentID != "" && p.filter == "all" {
		parts = append(parts, p.agentStyle.Render("["+truncate(entry.AgentID, 10)+"]"))
	}

	maxMsgLen := p.width - 25
	if maxMsgLen < 20 {
		maxMsgLen = 20
	}
	parts = append(parts, p.messageStyle.Render(truncate(entry.Message, maxMsgLen)))
	return strings.Join(parts, " ")
}

// LogCount returns the total number of entries.
func (p *LogsPanel) LogCount() int {
	return len(p.logs)
}

// FilteredCount returns the number of entries matching the current filter.
func (p *LogsPanel) FilteredCount() int {
	return len(p.filteredLogs())
}

// CurrentFilter returns the current filter value.
func (p *LogsPanel) CurrentFilter() string {
	return p.filter
}

// panelBorder is the rounded border shared by every panel, blue when focused.
func panelBorder(focused bool) lipgloss.Style {
	c := lipgloss.Color("240")
	if focused {
		c = lipgloss.Color("63")
	}
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(c)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
