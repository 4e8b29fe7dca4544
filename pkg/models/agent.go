package models

import "time"

// AgentStatus is the liveness of an agent, derived from its heartbeat age.
type AgentStatus string

const (
	// AgentAlive indicates the last heartbeat is younger than the TTL.
	AgentAlive AgentStatus = "alive"
	// AgentStale indicates the heartbeat is past the TTL but within the grace window.
	AgentStale AgentStatus = "stale"
	// AgentOffline indicates the heartbeat is past TTL plus grace, or the agent is unknown.
	AgentOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAlive, AgentStale, AgentOffline:
		return true
	default:
		return false
	}
}

// Agent represents a worker process known to the registry.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Capabilities are the tags this agent declared on its last heartbeat.
	Capabilities []string `json:"capabilities,omitempty"`
	// LastHeartbeat is when the agent last signalled liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt is when the agent first heartbeated.
	RegisteredAt time.Time `json:"registered_at"`
	// Status is derived at read time and never stored.
	Status AgentStatus `json:"status"`
	// CurrentTask is the claimed or in-progress task assigned to the agent, if any.
	CurrentTask string `json:"current_task,omitempty"`
	// PendingMessages counts messages queued for the agent and not yet received.
	PendingMessages int `json:"pending_messages"`
}

// Liveness derives an agent status from its heartbeat age.
// Ages below ttl are alive, below ttl+grace stale, anything older offline.
func Liveness(lastHeartbeat, now time.Time, ttl, grace time.Duration) AgentStatus {
	age := now.Sub(lastHeartbeat)
	switch {
	case age < ttl:
		return AgentAlive
	case age < ttl+grace:
		return AgentStale
	default:
		return AgentOffline
	}
}
