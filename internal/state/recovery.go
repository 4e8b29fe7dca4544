package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

// RecoveryReport lists what a recovery pass took back from offline agents.
type RecoveryReport struct {
	Requeued []models.Task
	Released []models.Lock
}

// Empty reports whether the pass changed nothing.
func (r *RecoveryReport) Empty() bool {
	return len(r.Requeued) == 0 && len(r.Released) == 0
}

// RecoveryInfo counts what a recovery pass would reclaim, without changing anything.
type RecoveryInfo struct {
	OrphanedTasks int
	OrphanedLocks int
}

// NeedsRecovery reports whether anything is held by an offline agent.
func (ri *RecoveryInfo) NeedsRecovery() bool {
	return ri.OrphanedTasks > 0 || ri.OrphanedLocks > 0
}

// RecoverOffline requeues tasks and releases locks held by agents that are
// unregistered or last heartbeated at or before cutoff. The two steps are
// independent and idempotent; running them in either order, or concurrently
// from several processes, ends in the same state.
func (db *DB) RecoverOffline(ctx context.Context, cutoff, now time.Time) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	requeued, err := db.RequeueOfflineTasks(ctx, cutoff, now)
	report.Requeued = requeued
	if err != nil {
		return report, fmt.Errorf("requeue offline tasks: %w", err)
	}

	released, err := db.ReleaseOfflineLocks(ctx, cutoff)
	report.Released = released
	if err != nil {
		return report, fmt.Errorf("release offline locks: %w", err)
	}

	return report, nil
}

// CheckRecovery counts tasks and locks currently held by offline agents.
func (db *DB) CheckRecovery(ctx context.Context, cutoff time.Time) (*RecoveryInfo, error) {
	c := formatTime(cutoff)
	info := &RecoveryInfo{}

	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks t
		WHERE t.state IN ('claimed', 'in_progress') AND `+offlineHolder("t.assigned_agent"), c).Scan(&info.OrphanedTasks)
	if err != nil {
		return nil, fmt.Errorf("count orphaned tasks: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM locks l WHERE `+offlineHolder("l.holder"), c).Scan(&info.OrphanedLocks)
	if err != nil {
		return nil, fmt.Errorf("count orphaned locks: %w", err)
	}

	return info, nil
}
