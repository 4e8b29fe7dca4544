package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/internal/graph"
	"github.com/ShayCichocki/coord/pkg/models"
)

// Submit validates task against the stored dependency graph and queues it.
// An empty ID is replaced with a generated one. Resubmitting a queued task
// redefines it; resubmitting a task in any other state is a transition error.
// A cycle is reported as a *models.CycleError and nothing is stored.
func (c *Coordinator) Submit(ctx context.Context, task models.Task) (*models.Task, error) {
	defer c.metrics.observe("submit", time.Now())

	if task.ID == "" {
		task.ID = c.opts.newID()
	}
	if task.ID == models.Broadcast {
		return nil, fmt.Errorf("%w: %q is reserved", models.ErrInvalidArgument, task.ID)
	}

	stored, err := c.store.SubmitTask(ctx, &task, c.now())
	c.metrics.recordSubmit(err)
	if err != nil {
		var cycle *models.CycleError
		if errors.As(err, &cycle) {
			c.logger.Log("[scheduler] rejected %s: %v", task.ID, err)
			c.emit(OrchestratorEvent{Type: EventTaskRejected, TaskID: task.ID, Error: err.Error()})
		}
		return nil, err
	}

	c.logger.Log("[scheduler] submitted %s deps=%v priority=%d", stored.ID, stored.DependsOn, stored.Priority)
	c.emit(OrchestratorEvent{Type: EventTaskSubmitted, TaskID: stored.ID, Message: stored.Title})
	return stored, nil
}

// SubmitManifest submits tasks in order. The whole batch is checked against
// the stored graph first, so a manifest that would form a cycle is rejected
// before any of it is written. A later failure, such as a concurrent
// submission closing a cycle, stops the batch and returns what was stored.
func (c *Coordinator) SubmitManifest(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = c.opts.newID()
		}
	}

	edges, err := c.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := graph.FromEdges(edges)
	for _, t := range tasks {
		if err := g.Validate(t.ID, t.DependsOn); err != nil {
			return nil, err
		}
		g.Set(t.ID, t.DependsOn)
	}

	stored := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		s, err := c.Submit(ctx, t)
		if err != nil {
			return stored, fmt.Errorf("submit %s: %w", t.ID, err)
		}
		stored = append(stored, *s)
	}
	return stored, nil
}

// Claim hands agentID the best runnable task: highest priority first, then
// oldest. A nil filter ignores capabilities; otherwise every capability the
// task requires must be in filter. Claiming counts as a heartbeat.
//
// Returns models.ErrNoRunnableTask when nothing qualifies and
// models.ErrAgentBusy when the agent already holds a task.
func (c *Coordinator) Claim(ctx context.Context, agentID string, filter []string) (*models.Task, error) {
	defer c.metrics.observe("claim", time.Now())
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}

	if _, err := c.store.UpsertHeartbeat(ctx, agentID, nil, c.now()); err != nil {
		return nil, err
	}

	if c.opts.recoverOnClaim {
		// Recovery failures must not block claiming; the periodic sweep retries.
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Log("[scheduler] sweep before claim failed: %v", err)
		}
	}

	task, err := c.store.ClaimNext(ctx, agentID, filter, c.now())
	c.metrics.recordClaim(err)
	if err != nil {
		return nil, err
	}

	c.logger.Log("[scheduler] %s claimed %s", agentID, task.ID)
	c.emit(OrchestratorEvent{Type: EventTaskClaimed, TaskID: task.ID, AgentID: agentID})
	return task, nil
}

// Start moves a claimed task to in_progress. Only the assignee may start it.
func (c *Coordinator) Start(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}
	task, err := c.store.StartTask(ctx, taskID, agentID, c.now())
	return c.transitioned(task, err, EventTaskStarted, "")
}

// Complete moves an in-progress task to completed and records result.
func (c *Coordinator) Complete(ctx context.Context, taskID string, result models.Payload) (*models.Task, error) {
	if err := result.Validate(); err != nil {
		return nil, err
	}
	task, err := c.store.CompleteTask(ctx, taskID, result, c.now())
	return c.transitioned(task, err, EventTaskCompleted, "")
}

// Fail moves an in-progress task to failed with reason.
func (c *Coordinator) Fail(ctx context.Context, taskID, reason string) (*models.Task, error) {
	task, err := c.store.FailTask(ctx, taskID, reason, c.now())
	return c.transitioned(task, err, EventTaskFailed, reason)
}

// Cancel cancels a queued or claimed task. Dependents are not cancelled;
// they remain queued and are reported by Stuck.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.store.CancelTask(ctx, taskID, c.now())
	return c.transitioned(task, err, EventTaskCancelled, "")
}

// Requeue returns a claimed or in-progress task to the queue. Requeueing a
// queued task changes nothing and is not an error.
func (c *Coordinator) Requeue(ctx context.Context, taskID string) (*models.Task, error) {
	task, changed, err := c.store.RequeueTask(ctx, taskID, c.now())
	if err != nil || !changed {
		return task, err
	}
	return c.transitioned(task, nil, EventTaskRequeued, "manual")
}

func (c *Coordinator) transitioned(task *models.Task, err error, ev EventType, msg string) (*models.Task, error) {
	if err != nil {
		return nil, err
	}
	c.metrics.recordTransition(task.State)
	c.logger.Log("[scheduler] %s -> %s", task.ID, task.State)
	c.emit(OrchestratorEvent{Type: ev, TaskID: task.ID, AgentID: task.AssignedAgent, Message: msg})
	return task, nil
}

// Get returns one task.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

// List returns tasks matching filter in submission order.
func (c *Coordinator) List(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", models.ErrInvalidArgument, filter.State)
	}
	return c.store.ListTasks(ctx, filter)
}

// Runnable returns the queued tasks whose dependencies are complete, in claim order.
func (c *Coordinator) Runnable(ctx context.Context) ([]models.Task, error) {
	return c.store.RunnableTasks(ctx)
}

// Closure returns every task taskID depends on, directly or transitively,
// nearest first. IDs that were never submitted are included.
func (c *Coordinator) Closure(ctx context.Context, taskID string) ([]string, error) {
	edges, err := c.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := graph.FromEdges(edges)
	g.SetDebugLog(debugLog)
	if !g.Has(taskID) {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
	}
	return g.Closure(taskID), nil
}

// Dependents returns the tasks that list taskID as a direct dependency,
// sorted by ID. taskID need not exist: dependents of a never-submitted ID
// are exactly the tasks stuck on it.
func (c *Coordinator) Dependents(ctx context.Context, taskID string) ([]string, error) {
	edges, err := c.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := graph.FromEdges(edges)
	return g.GetDependents(taskID), nil
}

// Order returns every task ID with dependencies before dependents.
func (c *Coordinator) Order(ctx context.Context) ([]string, error) {
	edges, err := c.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}
	g := graph.FromEdges(edges)
	g.SetDebugLog(debugLog)
	return g.TopologicalSort()
}

// Stuck returns queued tasks blocked forever by a missing, failed or
// cancelled dependency.
func (c *Coordinator) Stuck(ctx context.Context) ([]models.StuckTask, error) {
	return c.store.ListStuckTasks(ctx)
}

// Transition moves taskID to the requested state through the matching
// operation. agentID is required for in_progress; payload is the result for
// completed and supplies the reason for failed. Claimed is only reachable
// through Claim.
func (c *Coordinator) Transition(ctx context.Context, taskID string, to models.TaskState, agentID string, payload *models.Payload) (*models.Task, error) {
	switch to {
	case models.TaskInProgress:
		return c.Start(ctx, taskID, agentID)
	case models.TaskCompleted:
		result := models.Payload{Kind: models.PayloadJSON}
		if payload != nil {
			result = *payload
		}
		return c.Complete(ctx, taskID, result)
	case models.TaskFailed:
		reason := ""
		if payload != nil {
			reason = payload.String()
		}
		return c.Fail(ctx, taskID, reason)
	case models.TaskCancelled:
		return c.Cancel(ctx, taskID)
	case models.TaskQueued:
		return c.Requeue(ctx, taskID)
	case models.TaskClaimed:
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return nil, &models.TransitionError{TaskID: taskID, From: task.State, To: to, Reason: "tasks are claimed through Claim"}
	default:
		return nil, fmt.Errorf("%w: unknown state %q", models.ErrInvalidArgument, to)
	}
}
