package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/internal/state"
	"github.com/ShayCichocki/coord/pkg/models"
)

// Coordinator is the entry point for every coordination operation.
// It is safe for concurrent use; correctness across processes comes from
// the store's conditional writes, not from anything held here.
type Coordinator struct {
	store    state.StateStore
	opts     coordinatorOptions
	logger   *DebugLogger
	metrics  *Metrics
	events   *EventEmitter
	registry *AgentRegistry
}

// New creates a Coordinator over store. The store must already be migrated.
func New(store state.StateStore, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	setPackageLogger(o.logger)

	return &Coordinator{
		store:    store,
		opts:     o,
		logger:   o.logger,
		metrics:  o.metrics,
		events:   NewEventEmitter(o.eventBuffer),
		registry: NewAgentRegistry(store, o.heartbeatTTL, o.grace),
	}
}

// Events returns the coordinator's event emitter.
func (c *Coordinator) Events() *EventEmitter {
	return c.events
}

// Registry returns the agent registry.
func (c *Coordinator) Registry() *AgentRegistry {
	return c.registry
}

// Logger returns the debug logger.
func (c *Coordinator) Logger() *DebugLogger {
	return c.logger
}

// Close stops event delivery. The store is owned by the caller and stays open.
func (c *Coordinator) Close() error {
	c.events.Close()
	return nil
}

func (c *Coordinator) now() time.Time {
	return c.opts.clock()
}

func (c *Coordinator) emit(ev OrchestratorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	c.events.Emit(ev)
}

func requireID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id is required", models.ErrInvalidArgument, kind)
	}
	return nil
}

// Snapshot is a point-in-time view of the whole store, for dashboards.
type Snapshot struct {
	TakenAt time.Time                `json:"taken_at"`
	Counts  map[models.TaskState]int `json:"counts"`
	Tasks   []models.Task            `json:"tasks"`
	Agents  []models.Agent           `json:"agents"`
	Locks   []models.Lock            `json:"locks"`
	Stuck   []models.StuckTask       `json:"stuck"`
	// GraphVersion counts dependency graph writes; equal versions mean an unchanged graph.
	GraphVersion int64 `json:"graph_version"`
}

// Snapshot reads tasks, agents, locks and stuck tasks. The reads are not one
// transaction, so counts may differ slightly from the listed tasks under load.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: c.now()}
	var err error

	if snap.Counts, err = c.store.CountTasksByState(ctx); err != nil {
		return nil, err
	}
	if snap.Tasks, err = c.store.ListTasks(ctx, models.TaskFilter{}); err != nil {
		return nil, err
	}
	if snap.Agents, err = c.Agents(ctx); err != nil {
		return nil, err
	}
	if snap.Locks, err = c.store.ListLocks(ctx, ""); err != nil {
		return nil, err
	}
	if snap.Stuck, err = c.store.ListStuckTasks(ctx); err != nil {
		return nil, err
	}
	if snap.GraphVersion, err = c.store.GraphVersion(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// RefreshMetrics publishes task and agent gauges.
func (c *Coordinator) RefreshMetrics(ctx context.Context) error {
	if c.metrics == nil {
		return nil
	}
	counts, err := c.store.CountTasksByState(ctx)
	if err != nil {
		return err
	}
	agents, err := c.Agents(ctx)
	if err != nil {
		return err
	}
	byStatus := make(map[models.AgentStatus]int)
	for _, a := range agents {
		byStatus[a.Status]++
	}
	c.metrics.setGauges(counts, byStatus)
	return nil
}
