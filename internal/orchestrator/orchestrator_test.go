package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/coord/internal/state"
	"github.com/ShayCichocki/coord/pkg/models"
)

const (
	testTTL   = 30 * time.Second
	testGrace = 15 * time.Second
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func openTestStore(t *testing.T) (*state.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coord.db")
	db, err := state.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db, path
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	db, _ := openTestStore(t)
	clock := newFakeClock()
	base := []Option{
		WithClock(clock.Now),
		WithHeartbeatTTL(testTTL),
		WithGrace(testGrace),
		WithIDGenerator(sequentialIDs()),
		WithMetrics(MustNewMetrics(prometheus.NewRegistry())),
	}
	c := New(db, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func mustSubmit(t *testing.T, c *Coordinator, task models.Task) *models.Task {
	t.Helper()
	got, err := c.Submit(context.Background(), task)
	require.NoError(t, err)
	return got
}

func TestSubmit_GeneratesIDAndQueues(t *testing.T) {
	c, _ := newTestCoordinator(t)

	got := mustSubmit(t, c, models.Task{Title: "anonymous"})
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, models.TaskQueued, got.State)

	_, err := c.Submit(context.Background(), models.Task{ID: models.Broadcast})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestSubmit_CycleLeavesDependencySetsUnchanged(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A", DependsOn: []string{"B"}})
	mustSubmit(t, c, models.Task{ID: "B", DependsOn: []string{"C"}})

	before := map[string][]string{}
	for _, id := range []string{"A", "B"} {
		task, err := c.Get(ctx, id)
		require.NoError(t, err)
		before[id] = task.DependsOn
	}

	events, cancel := c.Events().Subscribe()
	defer cancel()

	_, err := c.Submit(ctx, models.Task{ID: "C", DependsOn: []string{"A"}})
	require.ErrorIs(t, err, models.ErrCyclicDependency)

	var cycle *models.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"C", "A", "B", "C"}, cycle.Path)

	for id, deps := range before {
		task, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, deps, task.DependsOn, "dependencies of %s changed", id)
	}
	_, err = c.Get(ctx, "C")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	ev := <-events
	assert.Equal(t, EventTaskRejected, ev.Type)
	assert.Equal(t, "C", ev.TaskID)
}

func TestClaim_HigherPriorityFirst(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A", Priority: 1})
	mustSubmit(t, c, models.Task{ID: "B", Priority: 5})

	got, err := c.Claim(ctx, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "B", got.ID)

	got, err = c.Claim(ctx, "y", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", got.ID)
}

func TestClaim_DependencyChain(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	mustSubmit(t, c, models.Task{ID: "B", DependsOn: []string{"A"}})

	got, err := c.Claim(ctx, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "A", got.ID)

	_, err = c.Claim(ctx, "y", nil)
	require.ErrorIs(t, err, models.ErrNoRunnableTask)

	_, err = c.Start(ctx, "A", "x")
	require.NoError(t, err)
	_, err = c.Complete(ctx, "A", models.TextPayload("done"))
	require.NoError(t, err)

	got, err = c.Claim(ctx, "y", nil)
	require.NoError(t, err)
	assert.Equal(t, "B", got.ID)
}

func TestClaim_CountsAsHeartbeat(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	status, err := c.AgentStatus(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOffline, status, "unknown agents are offline")

	_, err = c.Claim(ctx, "x", nil)
	require.NoError(t, err)

	status, err = c.AgentStatus(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, models.AgentAlive, status)

	clock.Advance(testTTL)
	status, _ = c.AgentStatus(ctx, "x")
	assert.Equal(t, models.AgentStale, status)

	clock.Advance(testGrace)
	status, _ = c.AgentStatus(ctx, "x")
	assert.Equal(t, models.AgentOffline, status)
}

func TestClaim_AgentBusyAndEmptyID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	mustSubmit(t, c, models.Task{ID: "B"})

	_, err := c.Claim(ctx, "x", nil)
	require.NoError(t, err)
	_, err = c.Claim(ctx, "x", nil)
	assert.ErrorIs(t, err, models.ErrAgentBusy)

	_, err = c.Claim(ctx, "", nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestCancel_DoesNotCascade(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "T"})
	mustSubmit(t, c, models.Task{ID: "D", DependsOn: []string{"T"}})

	cancelled, err := c.Cancel(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, cancelled.State)

	dep, err := c.Get(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, dep.State)

	_, err = c.Claim(ctx, "x", nil)
	assert.ErrorIs(t, err, models.ErrNoRunnableTask)

	stuck, err := c.Stuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "D", stuck[0].Task.ID)
}

func TestTransition_Dispatch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})

	_, err := c.Transition(ctx, "A", models.TaskClaimed, "x", nil)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	_, err = c.Transition(ctx, "A", models.TaskCompleted, "", nil)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = c.Claim(ctx, "x", nil)
	require.NoError(t, err)
	got, err := c.Transition(ctx, "A", models.TaskInProgress, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.State)

	reason := models.ErrorPayload("disk full")
	got, err = c.Transition(ctx, "A", models.TaskFailed, "", &reason)
	require.NoError(t, err)
	assert.Equal(t, "disk full", got.Error)

	_, err = c.Transition(ctx, "A", "exploded", "", nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = c.Transition(ctx, "missing", models.TaskCancelled, "", nil)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestComplete_ValidatesPayload(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	c.Claim(ctx, "x", nil)
	c.Start(ctx, "A", "x")

	_, err := c.Complete(ctx, "A", models.Payload{Kind: models.PayloadFileRef})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)

	task, err := c.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, task.State)
}

func TestRequeue_IdempotentOnQueued(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	c.Claim(ctx, "x", nil)

	got, err := c.Requeue(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.State)
	assert.Empty(t, got.AssignedAgent)

	got, err = c.Requeue(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.State)
}

func TestClosureAndOrder(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	mustSubmit(t, c, models.Task{ID: "B", DependsOn: []string{"A"}})
	mustSubmit(t, c, models.Task{ID: "C", DependsOn: []string{"B", "ghost"}})

	closure, err := c.Closure(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "ghost", "A"}, closure)

	_, err = c.Closure(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	dependents, err := c.Dependents(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, dependents)

	// Dependents of a never-submitted ID are the tasks waiting on it.
	dependents, err = c.Dependents(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, dependents)

	dependents, err = c.Dependents(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, dependents)

	order, err := c.Order(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestSubmitManifest_RejectsCycleBeforeWriting(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.SubmitManifest(ctx, []models.Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.ErrorIs(t, err, models.ErrCyclicDependency)

	tasks, err := c.List(ctx, models.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	stored, err := c.SubmitManifest(ctx, []models.Task{
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "a"},
		{Title: "no id"},
	})
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.NotEmpty(t, stored[2].ID)
}

func TestList_RejectsUnknownState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.List(context.Background(), models.TaskFilter{State: "done"})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestSnapshotAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newTestCoordinator(t, WithMetrics(MustNewMetrics(reg)))
	ctx := context.Background()

	mustSubmit(t, c, models.Task{ID: "A"})
	mustSubmit(t, c, models.Task{ID: "B", DependsOn: []string{"missing"}})
	c.Claim(ctx, "x", nil)
	_, err := c.Acquire(ctx, "file.txt", "x", time.Minute)
	require.NoError(t, err)
	_, err = c.Send(ctx, "ops", "x", models.TextPayload("rebase first"))
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Counts[models.TaskClaimed])
	assert.Len(t, snap.Tasks, 2)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, 1, snap.Agents[0].PendingMessages)
	assert.Len(t, snap.Locks, 1)
	assert.Len(t, snap.Stuck, 1)
	assert.Equal(t, int64(2), snap.GraphVersion)

	_, err = c.Receive(ctx, "x")
	require.NoError(t, err)
	agent, err := c.GetAgent(ctx, "x")
	require.NoError(t, err)
	assert.Zero(t, agent.PendingMessages)

	require.NoError(t, c.RefreshMetrics(ctx))
	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["coord_coordinator_claims_total"])
	assert.True(t, names["coord_coordinator_tasks"])
	assert.True(t, names["coord_coordinator_lock_acquires_total"])
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)
	assert.Same(t, first.claims, second.claims)
}
