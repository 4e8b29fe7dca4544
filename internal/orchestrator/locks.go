package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

// Acquire grants agentID the lock on key for ttl (the default TTL when ttl <= 0).
// Like Claim, acquiring counts as a heartbeat from agentID.
//
// The lock is granted when nobody holds it, when the stored lock has
// expired, when agentID already holds it (the TTL is refreshed), or when the
// holder is offline. Otherwise the result is a *models.LockHeldError naming
// the holder. Every write is conditional on the row that was read, so two
// racing acquirers cannot both succeed.
func (c *Coordinator) Acquire(ctx context.Context, key, agentID string, ttl time.Duration) (*models.Lock, error) {
	defer c.metrics.observe("acquire", time.Now())
	if err := requireID("lock", key); err != nil {
		return nil, err
	}
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.opts.lockTTL
	}
	if _, err := c.store.UpsertHeartbeat(ctx, agentID, nil, c.now()); err != nil {
		return nil, err
	}

	lock, err := c.acquire(ctx, key, agentID, ttl)
	c.metrics.recordAcquire(err)
	return lock, err
}

func (c *Coordinator) acquire(ctx context.Context, key, agentID string, ttl time.Duration) (*models.Lock, error) {
	for attempt := 0; attempt < c.opts.lockAttempts; attempt++ {
		now := c.now()
		next := &models.Lock{Key: key, Holder: agentID, AcquiredAt: now, TTL: ttl, ExpiresAt: now.Add(ttl)}

		cur, err := c.store.GetLock(ctx, key)
		if err != nil {
			return nil, err
		}

		if cur == nil {
			ok, err := c.store.InsertLock(ctx, next)
			if err != nil {
				return nil, err
			}
			if ok {
				c.granted(next, EventLockAcquired, "")
				return next, nil
			}
			continue
		}

		var ok bool
		switch {
		case cur.Holder == agentID:
			if !cur.Expired(now) {
				next.AcquiredAt = cur.AcquiredAt
			}
			ok, err = c.store.ReplaceLock(ctx, next, cur)
			if err == nil && ok {
				c.granted(next, EventLockAcquired, "refreshed")
				return next, nil
			}

		case cur.Expired(now):
			ok, err = c.store.ReplaceLock(ctx, next, cur)
			if err == nil && ok {
				c.granted(next, EventLockAcquired, fmt.Sprintf("expired lock of %s", cur.Holder))
				return next, nil
			}

		default:
			status, serr := c.registry.Status(ctx, cur.Holder, now)
			if serr != nil {
				return nil, serr
			}
			if status != models.AgentOffline {
				return nil, &models.LockHeldError{Key: key, Holder: cur.Holder}
			}
			ok, err = c.store.ReclaimLock(ctx, next, cur, c.registry.OfflineCutoff(now))
			if err == nil && ok {
				c.logger.Log("[locks] %s reclaimed %s from offline %s", agentID, key, cur.Holder)
				c.granted(next, EventLockReclaimed, fmt.Sprintf("from offline %s", cur.Holder))
				return next, nil
			}
		}
		if err != nil {
			return nil, err
		}
		// Lost a race for the row; read it again.
	}

	cur, err := c.store.GetLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Holder != agentID {
		return nil, &models.LockHeldError{Key: key, Holder: cur.Holder}
	}
	return nil, fmt.Errorf("acquire lock %s: gave up after %d contended attempts", key, c.opts.lockAttempts)
}

func (c *Coordinator) granted(l *models.Lock, ev EventType, msg string) {
	c.logger.Log("[locks] %s acquired %s until %s", l.Holder, l.Key, l.ExpiresAt.Format(time.RFC3339))
	c.emit(OrchestratorEvent{Type: ev, LockKey: l.Key, AgentID: l.Holder, Message: msg})
}

// Release drops agentID's lock on key. Releasing an expired lock that is
// still recorded for agentID succeeds. Anyone else gets models.ErrNotLockHolder.
func (c *Coordinator) Release(ctx context.Context, key, agentID string) error {
	ok, err := c.store.DeleteLock(ctx, key, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s does not hold %s", models.ErrNotLockHolder, agentID, key)
	}
	c.logger.Log("[locks] %s released %s", agentID, key)
	c.emit(OrchestratorEvent{Type: EventLockReleased, LockKey: key, AgentID: agentID})
	return nil
}

// Renew extends agentID's lock on key to now+ttl without changing ownership.
// A lock that expired but was not yet taken by anyone else can be renewed.
// Renewing counts as a heartbeat from agentID.
func (c *Coordinator) Renew(ctx context.Context, key, agentID string, ttl time.Duration) (*models.Lock, error) {
	if err := requireID("lock", key); err != nil {
		return nil, err
	}
	if err := requireID("agent", agentID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.opts.lockTTL
	}
	if _, err := c.store.UpsertHeartbeat(ctx, agentID, nil, c.now()); err != nil {
		return nil, err
	}
	l, err := c.store.RenewLock(ctx, key, agentID, ttl, c.now())
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s does not hold %s", models.ErrNotLockHolder, agentID, key)
	}
	return l, nil
}

// Locks lists stored locks, optionally for one holder. Expired rows are
// included until someone reclaims or releases them.
func (c *Coordinator) Locks(ctx context.Context, holder string) ([]models.Lock, error) {
	return c.store.ListLocks(ctx, holder)
}
