// Package orchestrator coordinates agents over the shared task store.
//
// The orchestrator package provides functionality for:
//   - Scheduling: submitting tasks with dependencies and handing runnable
//     work to agents one claim at a time
//   - Liveness: tracking agent heartbeats and reclaiming work from agents
//     that stop sending them
//   - Locking: advisory, TTL-bounded locks on shared resources
//   - Messaging: point-to-point and broadcast notes between agents, plus
//     immutable task artifacts
//
// All state lives in a state.StateStore shared by every process; the
// Coordinator holds no authoritative state of its own, so any number of
// coordinators may run against the same database.
//
// Example usage:
//
//	db, _ := state.Open(state.DefaultDBPath())
//	_ = db.Migrate()
//	c := orchestrator.New(db, orchestrator.WithHeartbeatTTL(30*time.Second))
//	task, err := c.Claim(ctx, "agent-1", []string{"go"})
package orchestrator
