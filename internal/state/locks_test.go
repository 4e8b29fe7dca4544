package state

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

func newLock(key, holder string, now time.Time, ttl time.Duration) *models.Lock {
	return &models.Lock{Key: key, Holder: holder, AcquiredAt: now, TTL: ttl, ExpiresAt: now.Add(ttl)}
}

func TestInsertLock_OnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := db.InsertLock(ctx, newLock("a.go", "w1", t0, time.Minute))
	if err != nil || !ok {
		t.Fatalf("InsertLock = %v, %v", ok, err)
	}
	ok, err = db.InsertLock(ctx, newLock("a.go", "w2", t0, time.Minute))
	if err != nil || ok {
		t.Errorf("second InsertLock = %v, %v; want false", ok, err)
	}

	l, err := db.GetLock(ctx, "a.go")
	if err != nil {
		t.Fatalf("GetLock failed: %v", err)
	}
	if l.Holder != "w1" || l.TTL != time.Minute || !l.ExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected lock %+v", l)
	}

	missing, err := db.GetLock(ctx, "b.go")
	if err != nil || missing != nil {
		t.Errorf("GetLock(missing) = %v, %v", missing, err)
	}
}

func TestReplaceLock_ComparesObservedRow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prev := newLock("a.go", "w1", t0, time.Second)
	db.InsertLock(ctx, prev)

	later := t0.Add(time.Minute)
	ok, err := db.ReplaceLock(ctx, newLock("a.go", "w2", later, time.Minute), prev)
	if err != nil || !ok {
		t.Fatalf("ReplaceLock = %v, %v", ok, err)
	}

	// A second reclaimer working from the same stale observation loses.
	ok, err = db.ReplaceLock(ctx, newLock("a.go", "w3", later, time.Minute), prev)
	if err != nil || ok {
		t.Errorf("stale ReplaceLock = %v, %v; want false", ok, err)
	}

	l, _ := db.GetLock(ctx, "a.go")
	if l.Holder != "w2" {
		t.Errorf("holder = %s, want w2", l.Holder)
	}
}

func TestDeleteAndRenewLock(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.InsertLock(ctx, newLock("a.go", "w1", t0, time.Second))

	if ok, _ := db.DeleteLock(ctx, "a.go", "w2"); ok {
		t.Error("non-holder deleted the lock")
	}
	if l, _ := db.RenewLock(ctx, "a.go", "w2", time.Minute, t0); l != nil {
		t.Error("non-holder renewed the lock")
	}

	// Expired but not reclaimed: the holder may still renew.
	renewed, err := db.RenewLock(ctx, "a.go", "w1", time.Minute, t0.Add(time.Hour))
	if err != nil || renewed == nil {
		t.Fatalf("RenewLock = %v, %v", renewed, err)
	}
	if !renewed.ExpiresAt.Equal(t0.Add(time.Hour + time.Minute)) {
		t.Errorf("ExpiresAt = %v", renewed.ExpiresAt)
	}

	if ok, err := db.DeleteLock(ctx, "a.go", "w1"); err != nil || !ok {
		t.Errorf("DeleteLock = %v, %v", ok, err)
	}
	locks, _ := db.ListLocks(ctx, "")
	if len(locks) != 0 {
		t.Errorf("locks left: %+v", locks)
	}
}

func TestReleaseOfflineLocks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.UpsertHeartbeat(ctx, "dead", nil, t0)
	db.UpsertHeartbeat(ctx, "live", nil, t0.Add(time.Minute))
	db.InsertLock(ctx, newLock("a.go", "dead", t0, time.Hour))
	db.InsertLock(ctx, newLock("b.go", "live", t0, time.Hour))
	db.InsertLock(ctx, newLock("c.go", "ghost", t0, time.Hour))

	released, err := db.ReleaseOfflineLocks(ctx, t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("ReleaseOfflineLocks failed: %v", err)
	}
	if len(released) != 2 || released[0].Key != "a.go" || released[1].Key != "c.go" {
		t.Errorf("released = %+v", released)
	}

	left, _ := db.ListLocks(ctx, "")
	if len(left) != 1 || left[0].Holder != "live" {
		t.Errorf("remaining = %+v", left)
	}

	again, err := db.ReleaseOfflineLocks(ctx, t0.Add(30*time.Second))
	if err != nil || len(again) != 0 {
		t.Errorf("second release = %v, %v", again, err)
	}
}

func TestRecoverOffline_OrderIndependent(t *testing.T) {
	build := func(t *testing.T) *DB {
		db := setupTestDB(t)
		ctx := context.Background()
		db.UpsertHeartbeat(ctx, "dead", nil, t0)
		submit(t, db, models.Task{ID: "a"}, t0)
		db.ClaimNext(ctx, "dead", nil, t0)
		db.InsertLock(ctx, newLock("a.go", "dead", t0, time.Hour))
		return db
	}
	cutoff := t0.Add(time.Minute)
	now := t0.Add(2 * time.Minute)
	ctx := context.Background()

	tasksFirst := build(t)
	tasksFirst.RequeueOfflineTasks(ctx, cutoff, now)
	tasksFirst.ReleaseOfflineLocks(ctx, cutoff)

	locksFirst := build(t)
	locksFirst.ReleaseOfflineLocks(ctx, cutoff)
	locksFirst.RequeueOfflineTasks(ctx, cutoff, now)

	for name, db := range map[string]*DB{"tasks first": tasksFirst, "locks first": locksFirst} {
		task, _ := db.GetTask(ctx, "a")
		locks, _ := db.ListLocks(ctx, "")
		if task.State != models.TaskQueued || len(locks) != 0 {
			t.Errorf("%s: task=%s locks=%d", name, task.State, len(locks))
		}
		info, err := db.CheckRecovery(ctx, cutoff)
		if err != nil || info.NeedsRecovery() {
			t.Errorf("%s: CheckRecovery = %+v, %v", name, info, err)
		}
	}

	fresh := build(t)
	info, _ := fresh.CheckRecovery(ctx, cutoff)
	if info.OrphanedTasks != 1 || info.OrphanedLocks != 1 {
		t.Errorf("CheckRecovery = %+v", info)
	}
	report, err := fresh.RecoverOffline(ctx, cutoff, now)
	if err != nil || len(report.Requeued) != 1 || len(report.Released) != 1 {
		t.Errorf("RecoverOffline = %+v, %v", report, err)
	}
}

func TestReclaimLock_RequiresOfflineHolder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prev := newLock("a.go", "w1", t0, time.Hour)
	db.InsertLock(ctx, prev)
	db.UpsertHeartbeat(ctx, "w1", nil, t0.Add(time.Minute))
	later := t0.Add(2 * time.Minute)

	// w1 heartbeated after the cutoff: still alive, so the takeover fails.
	ok, err := db.ReclaimLock(ctx, newLock("a.go", "w2", later, time.Minute), prev, t0)
	if err != nil || ok {
		t.Fatalf("ReclaimLock from live holder = %v, %v", ok, err)
	}

	ok, err = db.ReclaimLock(ctx, newLock("a.go", "w2", later, time.Minute), prev, t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("ReclaimLock from offline holder = %v, %v", ok, err)
	}
	l, _ := db.GetLock(ctx, "a.go")
	if l.Holder != "w2" {
		t.Errorf("holder = %s, want w2", l.Holder)
	}
}
