package models

import "time"

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskQueued indicates the task is waiting to be claimed.
	TaskQueued TaskState = "queued"
	// TaskClaimed indicates an agent has taken ownership but not started.
	TaskClaimed TaskState = "claimed"
	// TaskInProgress indicates the assigned agent is working on the task.
	TaskInProgress TaskState = "in_progress"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskState = "completed"
	// TaskFailed indicates the task finished unsuccessfully.
	TaskFailed TaskState = "failed"
	// TaskCancelled indicates the task was cancelled before completion.
	TaskCancelled TaskState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskQueued, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is possible from s.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Active returns true if the task is held by an agent.
func (s TaskState) Active() bool {
	return s == TaskClaimed || s == TaskInProgress
}

// TaskStates lists every state in lifecycle order.
var TaskStates = []TaskState{TaskQueued, TaskClaimed, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled}

// Task represents a unit of declared work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description provides free-form detail. The coordinator never interprets it.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// DependsOn lists task IDs that must complete before this task can be claimed.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Priority orders runnable tasks; higher values are claimed first.
	Priority int `json:"priority" yaml:"priority"`
	// Capabilities lists the tags a claiming agent must offer.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// State is the current lifecycle state.
	State TaskState `json:"state" yaml:"-"`
	// AssignedAgent is the agent holding the task, if any. It is a back-reference
	// only: the agent may have been deregistered since.
	AssignedAgent string `json:"assigned_agent,omitempty" yaml:"-"`
	// CreatedAt is when the task was first submitted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// UpdatedAt is when the task record last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	// Result is the payload recorded on completion.
	Result *Payload `json:"result,omitempty" yaml:"-"`
	// Error holds the failure reason for failed tasks.
	Error string `json:"error,omitempty" yaml:"-"`
}

// SatisfiedBy reports whether every required capability is present in caps.
// A task without requirements is satisfied by any set, including an empty one.
func (t *Task) SatisfiedBy(caps []string) bool {
	if len(t.Capabilities) == 0 {
		return true
	}
	offered := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		offered[c] = struct{}{}
	}
	for _, want := range t.Capabilities {
		if _, ok := offered[want]; !ok {
			return false
		}
	}
	return true
}

// TaskFilter narrows task listings. Zero values match everything.
type TaskFilter struct {
	State TaskState
	Agent string
}

// Blocker is a dependency that keeps a queued task from ever becoming runnable.
type Blocker struct {
	ID string `json:"id"`
	// State is empty when Missing is true.
	State   TaskState `json:"state,omitempty"`
	Missing bool      `json:"missing,omitempty"`
}

// StuckTask is a queued task with at least one dependency that cannot complete.
type StuckTask struct {
	Task      Task      `json:"task"`
	BlockedBy []Blocker `json:"blocked_by"`
}
