package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func submit(t *testing.T, db *DB, task models.Task, now time.Time) *models.Task {
	t.Helper()
	got, err := db.SubmitTask(context.Background(), &task, now)
	if err != nil {
		t.Fatalf("SubmitTask(%s) failed: %v", task.ID, err)
	}
	return got
}

func TestSubmitTask_StoresQueued(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got := submit(t, db, models.Task{
		ID:           "a",
		Title:        "Write parser",
		Priority:     5,
		Capabilities: []string{"go"},
		DependsOn:    []string{"x", "x", "y"},
	}, t0)
	if got.State != models.TaskQueued {
		t.Errorf("State = %s, want queued", got.State)
	}

	stored, err := db.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.Title != "Write parser" || stored.Priority != 5 {
		t.Errorf("unexpected task %+v", stored)
	}
	if !reflect.DeepEqual(stored.DependsOn, []string{"x", "y"}) {
		t.Errorf("DependsOn = %v", stored.DependsOn)
	}
	if !reflect.DeepEqual(stored.Capabilities, []string{"go"}) {
		t.Errorf("Capabilities = %v", stored.Capabilities)
	}
	if !stored.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, t0)
	}
}

func TestSubmitTask_RejectsCycleWithoutMutation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b", DependsOn: []string{"a"}}, t0)
	submit(t, db, models.Task{ID: "c", DependsOn: []string{"b"}}, t0)
	before, _ := db.GraphVersion(ctx)

	_, err := db.SubmitTask(ctx, &models.Task{ID: "a", DependsOn: []string{"c"}}, t0.Add(time.Second))
	var cycle *models.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(cycle.Path, []string{"a", "c", "b", "a"}) {
		t.Errorf("cycle path = %v", cycle.Path)
	}

	a, err := db.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(a.DependsOn) != 0 || !a.UpdatedAt.Equal(t0) {
		t.Errorf("rejected submission mutated a: %+v", a)
	}
	after, _ := db.GraphVersion(ctx)
	if after != before {
		t.Errorf("graph version moved from %d to %d", before, after)
	}
}

func TestSubmitTask_RedefineQueuedKeepsCreatedAt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a", Title: "v1", DependsOn: []string{"x"}}, t0)
	submit(t, db, models.Task{ID: "a", Title: "v2"}, t0.Add(time.Minute))

	a, err := db.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if a.Title != "v2" || len(a.DependsOn) != 0 {
		t.Errorf("redefinition not applied: %+v", a)
	}
	if !a.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", a.CreatedAt, t0)
	}
}

func TestSubmitTask_RedefineClaimedRejected(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	if _, err := db.ClaimNext(ctx, "w1", nil, t0); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	_, err := db.SubmitTask(ctx, &models.Task{ID: "a", Title: "again"}, t0)
	if !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.GetTask(context.Background(), "nope"); !errors.Is(err, models.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimNext_OrdersByPriorityThenAge(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "old-low", Priority: 1}, t0)
	submit(t, db, models.Task{ID: "new-high", Priority: 9}, t0.Add(2*time.Second))
	submit(t, db, models.Task{ID: "old-high", Priority: 9}, t0.Add(time.Second))

	want := []string{"old-high", "new-high", "old-low"}
	for i, id := range want {
		agent := fmt.Sprintf("w%d", i)
		got, err := db.ClaimNext(ctx, agent, nil, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("ClaimNext(%s) failed: %v", agent, err)
		}
		if got.ID != id {
			t.Errorf("claim %d = %s, want %s", i, got.ID, id)
		}
		if got.AssignedAgent != agent || got.State != models.TaskClaimed {
			t.Errorf("claim %d not assigned: %+v", i, got)
		}
	}

	if _, err := db.ClaimNext(ctx, "w9", nil, t0); !errors.Is(err, models.ErrNoRunnableTask) {
		t.Errorf("expected ErrNoRunnableTask, got %v", err)
	}
}

func TestClaimNext_WaitsForDependencies(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b", DependsOn: []string{"a"}, Priority: 100}, t0)
	submit(t, db, models.Task{ID: "c", DependsOn: []string{"ghost"}, Priority: 100}, t0)

	got, err := db.ClaimNext(ctx, "w1", nil, t0)
	if err != nil || got.ID != "a" {
		t.Fatalf("expected a, got %v %v", got, err)
	}
	if _, err := db.ClaimNext(ctx, "w2", nil, t0); !errors.Is(err, models.ErrNoRunnableTask) {
		t.Fatalf("b must wait for a, got %v", err)
	}

	if _, err := db.StartTask(ctx, "a", "w1", t0); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if _, err := db.CompleteTask(ctx, "a", models.TextPayload("ok"), t0); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	got, err = db.ClaimNext(ctx, "w2", nil, t0)
	if err != nil || got.ID != "b" {
		t.Fatalf("expected b after a completed, got %v %v", got, err)
	}
}

func TestClaimNext_CapabilityFilter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "sql", Capabilities: []string{"sql"}, Priority: 5}, t0)
	submit(t, db, models.Task{ID: "plain"}, t0)

	got, err := db.ClaimNext(ctx, "w1", []string{"go"}, t0)
	if err != nil || got.ID != "plain" {
		t.Fatalf("go-only agent should get plain, got %v %v", got, err)
	}
	if _, err := db.ClaimNext(ctx, "w2", []string{}, t0); !errors.Is(err, models.ErrNoRunnableTask) {
		t.Errorf("empty filter must not match sql task, got %v", err)
	}
	got, err = db.ClaimNext(ctx, "w3", nil, t0)
	if err != nil || got.ID != "sql" {
		t.Errorf("nil filter should claim anything, got %v %v", got, err)
	}
}

func TestClaimNext_AgentBusy(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b"}, t0)

	if _, err := db.ClaimNext(ctx, "w1", nil, t0); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if _, err := db.ClaimNext(ctx, "w1", nil, t0); !errors.Is(err, models.ErrAgentBusy) {
		t.Errorf("expected ErrAgentBusy, got %v", err)
	}
}

func TestClaimNext_ConcurrentSingleWinner(t *testing.T) {
	path := tempDBPath(t)
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer first.Close()
	if err := first.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	submit(t, first, models.Task{ID: "only"}, t0)

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	errs := make(chan error, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate handles stand in for separate processes.
			db, err := Open(path)
			if err != nil {
				errs <- err
				return
			}
			defer db.Close()

			agent := fmt.Sprintf("w%d", i)
			task, err := db.ClaimNext(context.Background(), agent, nil, t0)
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, agent+":"+task.ID)
				mu.Unlock()
			case errors.Is(err, models.ErrNoRunnableTask):
			default:
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("claimer failed: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
}

func TestTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)

	// queued -> in_progress skips claimed.
	if _, err := db.StartTask(ctx, "a", "w1", t0); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("start of queued task: expected transition error, got %v", err)
	}
	// queued -> completed is never allowed.
	if _, err := db.CompleteTask(ctx, "a", models.TextPayload("x"), t0); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("complete of queued task: expected transition error, got %v", err)
	}

	if _, err := db.ClaimNext(ctx, "w1", nil, t0); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}

	// Only the assignee may start.
	_, err := db.StartTask(ctx, "a", "intruder", t0)
	var te *models.TransitionError
	if !errors.As(err, &te) || te.Reason == "" {
		t.Errorf("start by non-assignee: expected reasoned transition error, got %v", err)
	}

	started, err := db.StartTask(ctx, "a", "w1", t0)
	if err != nil || started.State != models.TaskInProgress {
		t.Fatalf("StartTask = %v, %v", started, err)
	}

	// Cancelling in-progress work is not allowed.
	if _, err := db.CancelTask(ctx, "a", t0); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("cancel in_progress: expected transition error, got %v", err)
	}

	done, err := db.CompleteTask(ctx, "a", models.TextPayload("shipped"), t0)
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if done.Result == nil || done.Result.String() != "shipped" {
		t.Errorf("Result = %+v", done.Result)
	}

	// Terminal: nothing moves it again.
	if _, err := db.FailTask(ctx, "a", "late", t0); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("fail of completed: expected transition error, got %v", err)
	}
	if _, _, err := db.RequeueTask(ctx, "a", t0); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("requeue of completed: expected transition error, got %v", err)
	}

	if _, err := db.CancelTask(ctx, "missing", t0); !errors.Is(err, models.ErrTaskNotFound) {
		t.Errorf("cancel of unknown: expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransitions_ConcurrentLosersSeeWinningState(t *testing.T) {
	path := tempDBPath(t)
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer first.Close()
	if err := first.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	ctx := context.Background()
	submit(t, first, models.Task{ID: "a"}, t0)
	if _, err := first.ClaimNext(ctx, "w1", nil, t0); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if _, err := first.StartTask(ctx, "a", "w1", t0); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []models.TaskState
	var lost []models.TaskState
	errs := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := Open(path)
			if err != nil {
				errs <- err
				return
			}
			defer db.Close()

			var task *models.Task
			if i%2 == 0 {
				task, err = db.CompleteTask(ctx, "a", models.TextPayload("done"), t0)
			} else {
				task, err = db.FailTask(ctx, "a", "broken", t0)
			}
			var te *models.TransitionError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, task.State)
			case errors.As(err, &te):
				lost = append(lost, te.From)
			default:
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("racer failed: %v", err)
	}
	if len(won) != 1 {
		t.Fatalf("winners = %v, want exactly one", won)
	}
	for _, from := range lost {
		if from != won[0] {
			t.Errorf("loser saw %s, want %s", from, won[0])
		}
	}
}

func TestFailTask_RecordsReason(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	db.ClaimNext(ctx, "w1", nil, t0)
	db.StartTask(ctx, "a", "w1", t0)

	failed, err := db.FailTask(ctx, "a", "compiler exploded", t0)
	if err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}
	if failed.State != models.TaskFailed || failed.Error != "compiler exploded" {
		t.Errorf("unexpected failed task %+v", failed)
	}
	if failed.Result == nil || failed.Result.Kind != models.PayloadError {
		t.Errorf("Result = %+v, want error payload", failed.Result)
	}
}

func TestRequeueTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	db.ClaimNext(ctx, "w1", nil, t0)

	task, changed, err := db.RequeueTask(ctx, "a", t0)
	if err != nil || !changed {
		t.Fatalf("RequeueTask = %v, %v", changed, err)
	}
	if task.State != models.TaskQueued || task.AssignedAgent != "" {
		t.Errorf("unexpected requeued task %+v", task)
	}

	// Already queued: no-op.
	_, changed, err = db.RequeueTask(ctx, "a", t0)
	if err != nil || changed {
		t.Errorf("second requeue = %v, %v; want no-op", changed, err)
	}
}

func TestRequeueOfflineTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b"}, t0)
	submit(t, db, models.Task{ID: "c"}, t0)

	db.UpsertHeartbeat(ctx, "dead", nil, t0)
	db.UpsertHeartbeat(ctx, "live", nil, t0.Add(time.Minute))
	db.ClaimNext(ctx, "dead", nil, t0)
	db.ClaimNext(ctx, "live", nil, t0.Add(time.Minute))
	db.ClaimNext(ctx, "ghost", nil, t0) // never registered

	cutoff := t0.Add(30 * time.Second)
	requeued, err := db.RequeueOfflineTasks(ctx, cutoff, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueOfflineTasks failed: %v", err)
	}
	got := map[string]string{}
	for _, task := range requeued {
		got[task.ID] = task.AssignedAgent
	}
	if !reflect.DeepEqual(got, map[string]string{"a": "dead", "c": "ghost"}) {
		t.Errorf("requeued = %v", got)
	}

	// Running it again changes nothing.
	again, err := db.RequeueOfflineTasks(ctx, cutoff, t0.Add(time.Minute))
	if err != nil || len(again) != 0 {
		t.Errorf("second sweep = %v, %v", again, err)
	}

	live, _ := db.GetTask(ctx, "b")
	if live.State != models.TaskClaimed {
		t.Errorf("live agent's task was touched: %+v", live)
	}
}

func TestListTasks_Filter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b", DependsOn: []string{"a"}}, t0)
	db.ClaimNext(ctx, "w1", nil, t0)

	all, err := db.ListTasks(ctx, models.TaskFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTasks = %v, %v", all, err)
	}
	if all[0].ID != "a" || !reflect.DeepEqual(all[1].DependsOn, []string{"a"}) {
		t.Errorf("unexpected listing %+v", all)
	}

	claimed, _ := db.ListTasks(ctx, models.TaskFilter{State: models.TaskClaimed})
	if len(claimed) != 1 || claimed[0].ID != "a" {
		t.Errorf("claimed = %+v", claimed)
	}
	mine, _ := db.ListTasks(ctx, models.TaskFilter{Agent: "w1"})
	if len(mine) != 1 {
		t.Errorf("by agent = %+v", mine)
	}

	counts, err := db.CountTasksByState(ctx)
	if err != nil {
		t.Fatalf("CountTasksByState failed: %v", err)
	}
	if counts[models.TaskQueued] != 1 || counts[models.TaskClaimed] != 1 || counts[models.TaskFailed] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListStuckTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	submit(t, db, models.Task{ID: "a"}, t0)
	submit(t, db, models.Task{ID: "b", DependsOn: []string{"a"}}, t0)
	submit(t, db, models.Task{ID: "c", DependsOn: []string{"ghost"}}, t0)
	submit(t, db, models.Task{ID: "d"}, t0)
	if _, err := db.CancelTask(ctx, "a", t0); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	stuck, err := db.ListStuckTasks(ctx)
	if err != nil {
		t.Fatalf("ListStuckTasks failed: %v", err)
	}
	if len(stuck) != 2 {
		t.Fatalf("stuck = %+v", stuck)
	}
	if stuck[0].Task.ID != "b" || stuck[0].BlockedBy[0].State != models.TaskCancelled {
		t.Errorf("stuck[0] = %+v", stuck[0])
	}
	if stuck[1].Task.ID != "c" || !stuck[1].BlockedBy[0].Missing {
		t.Errorf("stuck[1] = %+v", stuck[1])
	}
}
