package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/internal/state"
)

// Sweep requeues tasks and releases locks held by offline or unregistered
// agents. It is idempotent and safe to run from several processes at once;
// each reclaimed item is moved by exactly one sweep.
func (c *Coordinator) Sweep(ctx context.Context) (*state.RecoveryReport, error) {
	defer c.metrics.observe("sweep", time.Now())

	now := c.now()
	report, err := c.store.RecoverOffline(ctx, c.registry.OfflineCutoff(now), now)
	if report == nil {
		return nil, err
	}

	for _, t := range report.Requeued {
		c.logger.Log("[sweep] requeued %s from offline agent %s", t.ID, t.AssignedAgent)
		c.emit(OrchestratorEvent{Type: EventTaskRequeued, TaskID: t.ID, AgentID: t.AssignedAgent, Message: "holder offline"})
	}
	for _, l := range report.Released {
		c.logger.Log("[sweep] released %s from offline agent %s", l.Key, l.Holder)
		c.emit(OrchestratorEvent{Type: EventLockReleased, LockKey: l.Key, AgentID: l.Holder, Message: "holder offline"})
	}
	c.metrics.recordRecovery(len(report.Requeued), len(report.Released))
	if !report.Empty() {
		c.emit(OrchestratorEvent{
			Type:    EventSweepCompleted,
			Message: fmt.Sprintf("requeued %d tasks, released %d locks", len(report.Requeued), len(report.Released)),
		})
	}
	return report, err
}

// PendingRecovery counts the tasks and locks a sweep would reclaim right now,
// without changing anything.
func (c *Coordinator) PendingRecovery(ctx context.Context) (*state.RecoveryInfo, error) {
	return c.store.CheckRecovery(ctx, c.registry.OfflineCutoff(c.now()))
}

// Sweeper runs Sweep on an interval and on demand.
type Sweeper struct {
	c        *Coordinator
	interval time.Duration
	trigger  chan struct{}
}

// NewSweeper creates a Sweeper. A zero interval uses the heartbeat TTL.
func NewSweeper(c *Coordinator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = c.registry.TTL()
	}
	return &Sweeper{c: c, interval: interval, trigger: make(chan struct{}, 1)}
}

// Trigger requests an immediate sweep. Requests made while one is pending coalesce.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps until ctx is done. Errors are logged, never returned; the next
// tick tries again.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.once(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		s.once(ctx)
	}
}

func (s *Sweeper) once(ctx context.Context) {
	if _, err := s.c.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.c.logger.Log("[sweep] failed: %v", err)
	}
	if err := s.c.RefreshMetrics(ctx); err != nil && ctx.Err() == nil {
		s.c.logger.Log("[sweep] refresh metrics: %v", err)
	}
}
