package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency is matched by *CycleError.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrInvalidStateTransition is matched by *TransitionError.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNoRunnableTask signals there is nothing to claim right now. Callers poll.
	ErrNoRunnableTask = errors.New("no runnable task")
	// ErrLockHeld is matched by *LockHeldError.
	ErrLockHeld = errors.New("lock held")
	// ErrNotLockHolder is returned when releasing or renewing a lock the caller does not hold.
	ErrNotLockHolder = errors.New("not lock holder")
	// ErrTaskNotFound is returned for operations on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAgentNotFound is returned for lookups of an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentBusy is returned when an agent claims while already holding a task.
	ErrAgentBusy = errors.New("agent already holds a task")
	// ErrInvalidPayload is returned when a payload fails boundary validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidArgument is returned for malformed requests, such as an empty agent id.
	ErrInvalidArgument = errors.New("invalid argument")
)

// CycleError reports a rejected submission and the cycle it would have created.
type CycleError struct {
	TaskID string
	// Path starts and ends on the same task id, following "depends on" edges.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency submitting %s: %s", e.TaskID, strings.Join(e.Path, " -> "))
}

// Is lets errors.Is match ErrCyclicDependency.
func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// TransitionError reports an out-of-order lifecycle change.
type TransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is match ErrInvalidStateTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// LockHeldError names the agent currently holding a contended lock.
type LockHeldError struct {
	Key    string
	Holder string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %s held by %s", e.Key, e.Holder)
}

// Is lets errors.Is match ErrLockHeld.
func (e *LockHeldError) Is(target error) bool {
	return target == ErrLockHeld
}
