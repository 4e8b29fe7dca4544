package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/internal/state"
)

// Panel indices, in focus order.
const (
	PanelTasks = iota
	PanelAgents
	PanelLocks
	PanelLogs
	panelCount
)

// Source is what the dashboard watches. *orchestrator.Coordinator implements it.
type Source interface {
	Snapshot(ctx context.Context) (*orchestrator.Snapshot, error)
	Sweep(ctx context.Context) (*state.RecoveryReport, error)
}

// PanelApp is the bubbletea model for the dashboard.
type PanelApp struct {
	source   Source
	interval time.Duration

	header      *Header
	tasksPanel  *TablePanel
	agentsPanel *TablePanel
	locksPanel  *TablePanel
	logsPanel   *LogsPanel
	footer      *Footer
	layout      *LayoutManager

	focusedPanel int
	width        int
	height       int
	quitting     bool

	last *orchestrator.Snapshot
}

// NewPanelApp creates a dashboard polling source every interval. label is
// shown in the header, usually the store path.
func NewPanelApp(source Source, interval time.Duration, label string) *PanelApp {
	if interval <= 0 {
		interval = time.Second
	}
	a := &PanelApp{
		source:       source,
		interval:     interval,
		header:       NewHeader(label),
		tasksPanel:   NewTasksPanel(),
		agentsPanel:  NewAgentsPanel(),
		locksPanel:   NewLocksPanel(),
		logsPanel:    NewLogsPanel(),
		footer:       NewFooter(),
		layout:       NewLayoutManager(120, 40),
		focusedPanel: PanelTasks,
	}
	a.updatePanelFocus()
	a.updatePanelSizes()
	return a
}

// Init implements tea.Model.
func (a *PanelApp) Init() tea.Cmd {
	return a.fetch()
}

// Update implements tea.Model.
func (a *PanelApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		case "tab":
			a.focusedPanel = (a.focusedPanel + 1) % panelCount
			a.updatePanelFocus()
			return a, nil
		case "shift+tab":
			a.focusedPanel = (a.focusedPanel + panelCount - 1) % panelCount
			a.updatePanelFocus()
			return a, nil
		case "r":
			return a, a.fetch()
		case "s":
			a.footer.SetMessage("sweeping...", false)
			return a, a.sweep()
		}
		cmds = append(cmds, a.forwardKey(msg))

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.layout.SetSize(msg.Width, msg.Height)
		a.updatePanelSizes()

	case SnapshotMsg:
		a.applySnapshot(msg.Snapshot)
		cmds = append(cmds, a.tick())

	case SnapshotErrMsg:
		a.footer.SetMessage(msg.Err.Error(), true)
		cmds = append(cmds, a.tick())

	case tickMsg:
		cmds = append(cmds, a.fetch())

	case SweepDoneMsg:
		if msg.Err != nil {
			a.footer.SetMessage("sweep failed: "+msg.Err.Error(), true)
		} else {
			a.footer.SetMessage(fmt.Sprintf("sweep requeued %d task(s), released %d lock(s)",
				len(msg.Report.Requeued), len(msg.Report.Released)), false)
		}
		cmds = append(cmds, a.fetch())
	}

	return a, tea.Batch(cmds...)
}

func (a *PanelApp) forwardKey(msg tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	switch a.focusedPanel {
	case PanelTasks:
		a.tasksPanel, cmd = a.tasksPanel.Update(msg)
	case PanelAgents:
		a.agentsPanel, cmd = a.agentsPanel.Update(msg)
	case PanelLocks:
		a.locksPanel, cmd = a.locksPanel.Update(msg)
	case PanelLogs:
		a.logsPanel, cmd = a.logsPanel.Update(msg)
	}
	return cmd
}

// updatePanelFocus updates focus state on all panels.
func (a *PanelApp) updatePanelFocus() {
	a.tasksPanel.SetFocused(a.focusedPanel == PanelTasks)
	a.agentsPanel.SetFocused(a.focusedPanel == PanelAgents)
	a.locksPanel.SetFocused(a.focusedPanel == PanelLocks)
	a.logsPanel.SetFocused(a.focusedPanel == PanelLogs)
	a.footer.SetFocusedPanel(a.focusedPanel)
}

// updatePanelSizes updates panel dimensions based on layout.
func (a *PanelApp) updatePanelSizes() {
	a.header.SetWidth(a.layout.TotalWidth())
	a.footer.SetWidth(a.layout.TotalWidth())

	dims := a.layout.Calculate()
	a.tasksPanel.SetSize(dims.TasksWidth, dims.TasksHeight)
	a.agentsPanel.SetSize(dims.SideWidth, dims.AgentsHeight)
	a.locksPanel.SetSize(dims.SideWidth, dims.LocksHeight)
	a.logsPanel.SetSize(dims.TasksWidth+dims.SideWidth, dims.LogHeight)
}

// View implements tea.Model.
func (a *PanelApp) View() string {
	if a.quitting {
		return ""
	}

	dims := a.layout.Calculate()
	side := lipgloss.JoinVertical(lipgloss.Left, a.agentsPanel.View(), a.locksPanel.View())
	tables := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(dims.TasksWidth).Render(a.tasksPanel.View()),
		lipgloss.NewStyle().Width(dims.SideWidth).Render(side),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		a.header.View(),
		tables,
		a.logsPanel.View(),
		a.footer.View(),
	)
}

// FocusedPanel returns the index of the focused panel.
func (a *PanelApp) FocusedPanel() int {
	return a.focusedPanel
}

// Run starts the dashboard in the alternate screen and blocks until the user quits.
func Run(source Source, interval time.Duration, label string) error {
	_, err := tea.NewProgram(NewPanelApp(source, interval, label), tea.WithAltScreen()).Run()
	return err
}
