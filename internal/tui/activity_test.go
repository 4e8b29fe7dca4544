package tui

import (
	"strings"
	"testing"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

func messages(entries []PanelLogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestDiffSnapshots_FirstSnapshotIsQuiet(t *testing.T) {
	if got := diffSnapshots(nil, baseSnapshot()); len(got) != 0 {
		t.Errorf("diff against nil = %v, want nothing", messages(got))
	}
}

func TestDiffSnapshots_TaskTransitions(t *testing.T) {
	prev := baseSnapshot()
	next := baseSnapshot()
	next.Tasks[0].State = models.TaskFailed
	next.Tasks[0].Error = "exit status 1"
	next.Tasks = append(next.Tasks, models.Task{ID: "lint", State: models.TaskQueued})

	got := diffSnapshots(prev, next)
	msgs := strings.Join(messages(got), "\n")

	if !strings.Contains(msgs, "failed build: exit status 1") {
		t.Errorf("missing failure entry in %q", msgs)
	}
	if !strings.Contains(msgs, "task lint submitted") {
		t.Errorf("missing submission entry in %q", msgs)
	}
	for _, e := range got {
		if e.TaskID == "build" && e.Level != LogLevelError {
			t.Errorf("failure level = %s, want ERROR", e.Level)
		}
	}
}

func TestDiffSnapshots_RequeueCreditsPreviousAgent(t *testing.T) {
	prev := baseSnapshot()
	next := baseSnapshot()
	next.Tasks[0].State = models.TaskQueued
	next.Tasks[0].AssignedAgent = ""

	got := diffSnapshots(prev, next)
	if len(got) != 1 {
		t.Fatalf("entries = %v, want one", messages(got))
	}
	if got[0].AgentID != "w1" || got[0].Message != "requeued build" {
		t.Errorf("entry = %+v, want requeued build by w1", got[0])
	}
}

func TestDiffSnapshots_AgentsAndLocks(t *testing.T) {
	prev := baseSnapshot()
	next := &orchestrator.Snapshot{
		TakenAt: prev.TakenAt,
		Tasks:   prev.Tasks,
		Agents: []models.Agent{
			{ID: "w2", Status: models.AgentAlive},
		},
		Locks: []models.Lock{
			{Key: "src/main.go", Holder: "w2"},
			{Key: "go.mod", Holder: "w2"},
		},
	}

	msgs := strings.Join(messages(diffSnapshots(prev, next)), "\n")
	for _, want := range []string{"registered", "deregistered", "took src/main.go from w1", "locked go.mod"} {
		if !strings.Contains(msgs, want) {
			t.Errorf("missing %q in %q", want, msgs)
		}
	}
}

func TestDiffSnapshots_LivenessChange(t *testing.T) {
	prev := baseSnapshot()
	next := baseSnapshot()
	next.Agents[0].Status = models.AgentStale

	got := diffSnapshots(prev, next)
	if len(got) != 1 || got[0].Message != "alive -> stale" || got[0].Level != LogLevelWarn {
		t.Errorf("entries = %+v, want one WARN alive -> stale", got)
	}
}

func TestLogsPanel_Filter(t *testing.T) {
	p := NewLogsPanel()
	p.SetSize(80, 10)
	p.SetFocused(true)
	p.AddLog(PanelLogEntry{AgentID: "w1", Message: "a"})
	p.AddLog(PanelLogEntry{AgentID: "w2", Message: "b"})
	p.AddLog(PanelLogEntry{Message: "c"})

	if p.FilteredCount() != 3 {
		t.Errorf("FilteredCount() = %d, want 3", p.FilteredCount())
	}
	p.Update(keyRune('f'))
	if p.CurrentFilter() != "w1" || p.FilteredCount() != 1 {
		t.Errorf("filter %q count %d, want w1 and 1", p.CurrentFilter(), p.FilteredCount())
	}
}
