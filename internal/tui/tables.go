package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/coord/pkg/models"
)

// TablePanel is a titled, bordered bubbles table.
type TablePanel struct {
	title   string
	columns []table.Column
	table   table.Model
	width   int
	height  int
	focused bool
}

// NewTablePanel creates a panel with the given column titles. Widths are
// proportional weights, rescaled on SetSize.
func NewTablePanel(title string, columns ...table.Column) *TablePanel {
	t := table.New(table.WithColumns(columns))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	t.Blur()
	return &TablePanel{title: title, columns: columns, table: t}
}

// SetSize resizes the panel and spreads the inner width over the columns.
func (p *TablePanel) SetSize(width, height int) {
	p.width = width
	p.height = height

	inner := width - 2 - 2*len(p.columns) // border plus cell padding
	weights := 0
	for _, c := range p.columns {
		weights += c.Width
	}
	cols := make([]table.Column, len(p.columns))
	for i, c := range p.columns {
		w := 4
		if weights > 0 && inner > 0 {
			w = max(c.Width*inner/weights, 4)
		}
		cols[i] = table.Column{Title: c.Title, Width: w}
	}
	p.table.SetColumns(cols)
	p.table.SetHeight(max(height-4, 1)) // border, title and header rule
}

// SetFocused sets whether this panel has keyboard focus.
func (p *TablePanel) SetFocused(focused bool) {
	p.focused = focused
	if focused {
		p.table.Focus()
	} else {
		p.table.Blur()
	}
}

// SetRows replaces the table rows, keeping the cursor in range.
func (p *TablePanel) SetRows(rows []table.Row) {
	p.table.SetRows(rows)
	if c := p.table.Cursor(); c >= len(rows) {
		p.table.SetCursor(max(len(rows)-1, 0))
	}
}

// Rows returns the current rows.
func (p *TablePanel) Rows() []table.Row {
	return p.table.Rows()
}

// Update forwards key messages to the table while focused.
func (p *TablePanel) Update(msg tea.Msg) (*TablePanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}
	var cmd tea.Cmd
	p.table, cmd = p.table.Update(msg)
	return p, cmd
}

// View renders the panel.
func (p *TablePanel) View() string {
	title := p.title
	if p.focused {
		title = "[" + title + "]"
	}
	title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Padding(0, 1).
		Render(fmt.Sprintf("%s (%d)", title, len(p.table.Rows())))

	return panelBorder(p.focused).
		Width(max(p.width-2, 1)).
		Height(max(p.height-2, 1)).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, p.table.View()))
}

// NewTasksPanel builds the tasks table.
func NewTasksPanel() *TablePanel {
	return NewTablePanel("Tasks",
		table.Column{Title: "ID", Width: 3},
		table.Column{Title: "STATE", Width: 2},
		table.Column{Title: "PRI", Width: 1},
		table.Column{Title: "AGENT", Width: 2},
		table.Column{Title: "BLOCKED BY", Width: 3},
		table.Column{Title: "TITLE", Width: 5},
	)
}

// NewAgentsPanel builds the agents table.
func NewAgentsPanel() *TablePanel {
	return NewTablePanel("Agents",
		table.Column{Title: "ID", Width: 3},
		table.Column{Title: "STATUS", Width: 2},
		table.Column{Title: "SEEN", Width: 2},
		table.Column{Title: "TASK", Width: 3},
	)
}

// NewLocksPanel builds the locks table.
func NewLocksPanel() *TablePanel {
	return NewTablePanel("Locks",
		table.Column{Title: "KEY", Width: 4},
		table.Column{Title: "HOLDER", Width: 3},
		table.Column{Title: "EXPIRES", Width: 2},
	)
}

// taskRows renders tasks with stuck tasks flagged by what blocks them.
func taskRows(tasks []models.Task, stuck []models.StuckTask) []table.Row {
	blockers := make(map[string]string, len(stuck))
	for _, s := range stuck {
		var ids []string
		for _, b := range s.BlockedBy {
			if b.Missing {
				ids = append(ids, b.ID+"?")
			} else {
				ids = append(ids, b.ID+":"+string(b.State))
			}
		}
		blockers[s.Task.ID] = strings.Join(ids, ",")
	}

	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, table.Row{
			t.ID, string(t.State), fmt.Sprint(t.Priority), t.AssignedAgent, blockers[t.ID], t.Title,
		})
	}
	return rows
}

func agentRows(agents []models.Agent, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, a := range agents {
		rows = append(rows, table.Row{a.ID, string(a.Status), formatAge(now.Sub(a.LastHeartbeat)), a.CurrentTask})
	}
	return rows
}

func lockRows(locks []models.Lock, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(locks))
	for _, l := range locks {
		expires := "in " + formatAge(l.ExpiresAt.Sub(now))
		if l.Expired(now) {
			expires = "expired"
		}
		rows = append(rows, table.Row{l.Key, l.Holder, expires})
	}
	return rows
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
