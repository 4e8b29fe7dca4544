package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/coord/internal/state"
	"github.com/ShayCichocki/coord/pkg/models"
)

// AgentRegistry derives agent liveness from stored heartbeats.
// It keeps no agent state of its own; every answer comes from the store.
type AgentRegistry struct {
	store state.AgentStore
	// ttl is how long a heartbeat keeps an agent alive.
	ttl time.Duration
	// grace is how long past ttl a stale agent keeps its work.
	grace time.Duration
}

// NewAgentRegistry creates a new AgentRegistry.
func NewAgentRegistry(store state.AgentStore, ttl, grace time.Duration) *AgentRegistry {
	return &AgentRegistry{store: store, ttl: ttl, grace: grace}
}

// TTL returns the heartbeat TTL.
func (r *AgentRegistry) TTL() time.Duration {
	return r.ttl
}

// Grace returns the grace window.
func (r *AgentRegistry) Grace() time.Duration {
	return r.grace
}

// OfflineCutoff returns the heartbeat time at or before which an agent is
// offline when observed at now.
func (r *AgentRegistry) OfflineCutoff(now time.Time) time.Time {
	return now.Add(-(r.ttl + r.grace))
}

// Classify fills in a.Status as observed at now.
func (r *AgentRegistry) Classify(a *models.Agent, now time.Time) {
	a.Status = models.Liveness(a.LastHeartbeat, now, r.ttl, r.grace)
}

// Status returns the liveness of agentID at now. Unknown agents are offline.
func (r *AgentRegistry) Status(ctx context.Context, agentID string, now time.Time) (models.AgentStatus, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, models.ErrAgentNotFound) {
		return models.AgentOffline, nil
	}
	if err != nil {
		return "", err
	}
	r.Classify(a, now)
	return a.Status, nil
}

// Heartbeat records that agentID is alive, registering it on first sight.
// A nil caps keeps previously declared capabilities.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, caps []string) (*models.Agent, error) {
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}
	now := c.now()
	a, err := c.store.UpsertHeartbeat(ctx, agentID, caps, now)
	if err != nil {
		return nil, err
	}
	c.registry.Classify(a, now)
	return a, nil
}

// AgentStatus returns the liveness of agentID. Unknown agents are offline.
func (c *Coordinator) AgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	return c.registry.Status(ctx, agentID, c.now())
}

// GetAgent returns one registered agent with its current status.
func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	c.registry.Classify(a, c.now())
	if a.PendingMessages, err = c.store.PendingMessageCount(ctx, agentID); err != nil {
		return nil, err
	}
	return a, nil
}

// Agents returns every registered agent with its current status.
func (c *Coordinator) Agents(ctx context.Context) ([]models.Agent, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for i := range agents {
		c.registry.Classify(&agents[i], now)
		if agents[i].PendingMessages, err = c.store.PendingMessageCount(ctx, agents[i].ID); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// RemoveAgent deregisters agentID. Its tasks and locks are left in place;
// the agent now reads as offline, so the next sweep reclaims them.
func (c *Coordinator) RemoveAgent(ctx context.Context, agentID string) (bool, error) {
	removed, err := c.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if removed {
		c.logger.Log("[registry] removed agent %s", agentID)
		c.emit(OrchestratorEvent{Type: EventAgentRemoved, AgentID: agentID})
	}
	return removed, nil
}

// Heartbeater keeps one agent alive by heartbeating on an interval.
type Heartbeater struct {
	c        *Coordinator
	agentID  string
	caps     []string
	interval time.Duration
}

// NewHeartbeater creates a Heartbeater for agentID. A zero interval uses a
// third of the heartbeat TTL, so two beats can be lost before the agent goes stale.
func (c *Coordinator) NewHeartbeater(agentID string, caps []string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = c.registry.TTL() / 3
	}
	return &Heartbeater{c: c, agentID: agentID, caps: caps, interval: interval}
}

// Run heartbeats immediately and then on every tick until ctx is done.
// Failed beats are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	if _, err := h.c.Heartbeat(ctx, h.agentID, h.caps); err != nil {
		return err
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.c.Heartbeat(ctx, h.agentID, h.caps); err != nil && ctx.Err() == nil {
				h.c.logger.Log("[heartbeat] %s: %v", h.agentID, err)
			}
		}
	}
}
