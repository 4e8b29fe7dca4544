package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/internal/state"
)

// SnapshotMsg carries a fresh snapshot into the dashboard.
type SnapshotMsg struct {
	Snapshot *orchestrator.Snapshot
}

// SnapshotErrMsg reports a failed refresh. Polling continues.
type SnapshotErrMsg struct {
	Err error
}

// SweepDoneMsg reports the result of a sweep requested from the dashboard.
type SweepDoneMsg struct {
	Report *state.RecoveryReport
	Err    error
}

type tickMsg time.Time

// fetchTimeout bounds one snapshot read so a locked store cannot freeze the UI.
const fetchTimeout = 5 * time.Second

func (a *PanelApp) fetch() tea.Cmd {
	source := a.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		if err != nil {
			return SnapshotErrMsg{Err: err}
		}
		return SnapshotMsg{Snapshot: snap}
	}
}

func (a *PanelApp) sweep() tea.Cmd {
	source := a.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		report, err := source.Sweep(ctx)
		return SweepDoneMsg{Report: report, Err: err}
	}
}

func (a *PanelApp) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// applySnapshot refreshes every panel and logs what changed since the last one.
func (a *PanelApp) applySnapshot(snap *orchestrator.Snapshot) {
	if snap == nil {
		return
	}
	for _, entry := range diffSnapshots(a.last, snap) {
		a.logsPanel.AddLog(entry)
	}
	a.last = snap

	a.header.SetCounts(snap.Counts, snap.Agents)
	a.tasksPanel.SetRows(taskRows(snap.Tasks, snap.Stuck))
	a.agentsPanel.SetRows(agentRows(snap.Agents, snap.TakenAt))
	a.locksPanel.SetRows(lockRows(snap.Locks, snap.TakenAt))
	a.footer.SetRefreshed(snap.TakenAt)
}

// Last returns the most recently applied snapshot, or nil before the first refresh.
func (a *PanelApp) Last() *orchestrator.Snapshot {
	return a.last
}
