package orchestrator

import (
	"time"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	// EventTaskSubmitted indicates a task was accepted into the queue.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskRejected indicates a submission was refused, e.g. for a cycle.
	EventTaskRejected EventType = "task_rejected"
	// EventTaskClaimed indicates an agent claimed a task.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskStarted indicates the assignee started work.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskRequeued indicates a task went back to the queue.
	EventTaskRequeued EventType = "task_requeued"
	// EventAgentRemoved indicates an agent was deregistered.
	EventAgentRemoved EventType = "agent_removed"
	// EventLockAcquired indicates a lock was granted.
	EventLockAcquired EventType = "lock_acquired"
	// EventLockReclaimed indicates a lock was taken over from an offline holder.
	EventLockReclaimed EventType = "lock_reclaimed"
	// EventLockReleased indicates a lock was released by its holder or by recovery.
	EventLockReleased EventType = "lock_released"
	// EventMessageSent indicates a message was queued for delivery.
	EventMessageSent EventType = "message_sent"
	// EventArtifactStored indicates an artifact was attached to a task.
	EventArtifactStored EventType = "artifact_stored"
	// EventSweepCompleted indicates a recovery sweep reclaimed something.
	EventSweepCompleted EventType = "sweep_completed"
)

// OrchestratorEvent represents an event emitted by the coordinator.
// These events feed the serve log and the event stream endpoint.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// TaskID is the ID of the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// AgentID is the ID of the related agent, if applicable.
	AgentID string `json:"agent_id,omitempty"`
	// LockKey is the related lock key, if applicable.
	LockKey string `json:"lock_key,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains error details for failure events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
