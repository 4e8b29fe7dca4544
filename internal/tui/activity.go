package tui

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

// diffSnapshots describes what changed between two snapshots as activity
// entries. A nil prev yields nothing, so the first refresh does not replay history.
func diffSnapshots(prev, next *orchestrator.Snapshot) []PanelLogEntry {
	if prev == nil || next == nil {
		return nil
	}
	at := next.TakenAt
	var out []PanelLogEntry

	before := make(map[string]models.Task, len(prev.Tasks))
	for _, t := range prev.Tasks {
		before[t.ID] = t
	}
	for _, t := range next.Tasks {
		old, ok := before[t.ID]
		switch {
		case !ok:
			out = append(out, PanelLogEntry{Timestamp: at, Level: LogLevelInfo, TaskID: t.ID,
				Message: fmt.Sprintf("task %s submitted", t.ID)})
		case old.State != t.State:
			out = append(out, taskChange(at, old, t))
		}
	}

	agentsBefore := make(map[string]models.AgentStatus, len(prev.Agents))
	for _, a := range prev.Agents {
		agentsBefore[a.ID] = a.Status
	}
	seen := make(map[string]bool, len(next.Agents))
	for _, a := range next.Agents {
		seen[a.ID] = true
		old, ok := agentsBefore[a.ID]
		switch {
		case !ok:
			out = append(out, PanelLogEntry{Timestamp: at, Level: LogLevelInfo, AgentID: a.ID,
				Message: "registered"})
		case old != a.Status:
			level := LogLevelInfo
			if a.Status != models.AgentAlive {
				level = LogLevelWarn
			}
			out = append(out, PanelLogEntry{Timestamp: at, Level: level, AgentID: a.ID,
				Message: fmt.Sprintf("%s -> %s", old, a.Status)})
		}
	}
	for _, a := range prev.Agents {
		if !seen[a.ID] {
			out = append(out, PanelLogEntry{Timestamp: at, Level: LogLevelWarn, AgentID: a.ID,
				Message: "deregistered"})
		}
	}

	locksBefore := make(map[string]string, len(prev.Locks))
	for _, l := range prev.Locks {
		locksBefore[l.Key] = l.Holder
	}
	for _, l := range next.Locks {
		if holder, ok := locksBefore[l.Key]; !ok || holder != l.Holder {
			msg := fmt.Sprintf("locked %s", l.Key)
			if ok {
				msg = fmt.Sprintf("took %s from %s", l.Key, holder)
			}
			out = append(out, PanelLogEntry{Timestamp: at, Level: LogLevelInfo, AgentID: l.Holder, Message: msg})
		}
		delete(locksBefore, l.Key)
	}
	for _, l := range prev.Locks {
		if holder, ok := locksBefore[l.Key]; ok {
			out = append(out, PanelLogEntry{Timestamp: at, Level: LogLevelInfo, AgentID: holder,
				Message: fmt.Sprintf("unlocked %s", l.Key)})
		}
	}
	return out
}

func taskChange(at time.Time, old, t models.Task) PanelLogEntry {
	e := PanelLogEntry{Timestamp: at, Level: LogLevelInfo, TaskID: t.ID, AgentID: t.AssignedAgent}
	switch t.State {
	case models.TaskClaimed:
		e.Message = fmt.Sprintf("claimed %s", t.ID)
	case models.TaskInProgress:
		e.Message = fmt.Sprintf("started %s", t.ID)
	case models.TaskCompleted:
		e.Message = fmt.Sprintf("completed %s", t.ID)
	case models.TaskFailed:
		e.Level = LogLevelError
		e.Message = fmt.Sprintf("failed %s", t.ID)
		if t.Error != "" {
			e.Message += ": " + t.Error
		}
	case models.TaskCancelled:
		e.Level = LogLevelWarn
		e.Message = fmt.Sprintf("cancelled %s", t.ID)
	case models.TaskQueued:
		e.Level = LogLevelWarn
		e.AgentID = old.AssignedAgent
		e.Message = fmt.Sprintf("requeued %s", t.ID)
	default:
		e.Message = fmt.Sprintf("%s %s -> %s", t.ID, old.State, t.State)
	}
	return e
}
