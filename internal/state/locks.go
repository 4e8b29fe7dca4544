package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

const lockColumns = `key, holder, acquired_at, ttl_ms, expires_at`

func scanLock(row rowScanner) (*models.Lock, error) {
	var l models.Lock
	var acquiredAt, expiresAt string
	var ttlMS int64
	if err := row.Scan(&l.Key, &l.Holder, &acquiredAt, &ttlMS, &expiresAt); err != nil {
		return nil, err
	}
	l.AcquiredAt = mustParseTime(acquiredAt)
	l.ExpiresAt = mustParseTime(expiresAt)
	l.TTL = time.Duration(ttlMS) * time.Millisecond
	return &l, nil
}

// GetLock returns the stored lock row for key, expired or not, or nil if there is none.
func (db *DB) GetLock(ctx context.Context, key string) (*models.Lock, error) {
	l, err := scanLock(db.conn.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// InsertLock creates l if no row exists for its key. It reports whether the
// row was written.
func (db *DB) InsertLock(ctx context.Context, l *models.Lock) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, l.Key, l.Holder, formatTime(l.AcquiredAt), l.TTL.Milliseconds(), formatTime(l.ExpiresAt))
	if err != nil {
		return false, fmt.Errorf("insert lock %s: %w", l.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert lock %s: %w", l.Key, err)
	}
	return n == 1, nil
}

// ReplaceLock overwrites the row for l.Key only if it still matches prev,
// the row the caller based its decision on. It reports whether the row was written.
func (db *DB) ReplaceLock(ctx context.Context, l, prev *models.Lock) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE locks SET holder = ?, acquired_at = ?, ttl_ms = ?, expires_at = ?
		WHERE key = ? AND holder = ? AND expires_at = ?
	`, l.Holder, formatTime(l.AcquiredAt), l.TTL.Milliseconds(), formatTime(l.ExpiresAt),
		prev.Key, prev.Holder, formatTime(prev.ExpiresAt))
	if err != nil {
		return false, fmt.Errorf("replace lock %s: %w", l.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace lock %s: %w", l.Key, err)
	}
	return n == 1, nil
}

// ReclaimLock is ReplaceLock for a takeover from another agent: the write
// additionally requires the previous holder to still be offline at cutoff,
// so a holder that heartbeats in between keeps its lock.
func (db *DB) ReclaimLock(ctx context.Context, l, prev *models.Lock, cutoff time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE locks SET holder = ?, acquired_at = ?, ttl_ms = ?, expires_at = ?
		WHERE key = ? AND holder = ? AND expires_at = ? AND `+offlineHolder("locks.holder"),
		l.Holder, formatTime(l.AcquiredAt), l.TTL.Milliseconds(), formatTime(l.ExpiresAt),
		prev.Key, prev.Holder, formatTime(prev.ExpiresAt), formatTime(cutoff))
	if err != nil {
		return false, fmt.Errorf("reclaim lock %s: %w", l.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim lock %s: %w", l.Key, err)
	}
	return n == 1, nil
}

// DeleteLock removes the lock for key if holder owns it, expired or not.
// It reports whether a row was removed.
func (db *DB) DeleteLock(ctx context.Context, key, holder string) (bool, error) {
	res, err := db.exec(ctx, `DELETE FROM locks WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return false, fmt.Errorf("delete lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock %s: %w", key, err)
	}
	return n == 1, nil
}

// RenewLock pushes the expiry of holder's lock on key to now+ttl. A lock that
// expired but was not yet reclaimed by anyone can still be renewed. Returns
// nil when holder does not own the row.
func (db *DB) RenewLock(ctx context.Context, key, holder string, ttl time.Duration, now time.Time) (*models.Lock, error) {
	res, err := db.exec(ctx, `
		UPDATE locks SET ttl_ms = ?, expires_at = ? WHERE key = ? AND holder = ?
	`, ttl.Milliseconds(), formatTime(now.Add(ttl)), key, holder)
	if err != nil {
		return nil, fmt.Errorf("renew lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("renew lock %s: %w", key, err)
	}
	if n == 0 {
		return nil, nil
	}
	return db.GetLock(ctx, key)
}

// ListLocks returns stored locks ordered by key, including expired ones.
// A non-empty holder restricts the listing to that agent.
func (db *DB) ListLocks(ctx context.Context, holder string) ([]models.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks`
	var args []any
	if holder != "" {
		query += ` WHERE holder = ?`
		args = append(args, holder)
	}
	query += ` ORDER BY key`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// ReleaseOfflineLocks deletes every lock whose holder is unregistered or
// last heartbeated at or before cutoff. Each delete re-checks the holder and
// expiry it observed, so a lock reclaimed or renewed in between is left alone.
func (db *DB) ReleaseOfflineLocks(ctx context.Context, cutoff time.Time) ([]models.Lock, error) {
	c := formatTime(cutoff)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+lockColumns+` FROM locks l WHERE `+offlineHolder("l.holder")+` ORDER BY l.key
	`, c)
	if err != nil {
		return nil, fmt.Errorf("find orphaned locks: %w", err)
	}
	var orphans []models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		orphans = append(orphans, *l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []models.Lock
	for _, l := range orphans {
		res, err := db.exec(ctx, `
			DELETE FROM locks WHERE key = ? AND holder = ? AND expires_at = ? AND `+offlineHolder("locks.holder"),
			l.Key, l.Holder, formatTime(l.ExpiresAt), c)
		if err != nil {
			return released, fmt.Errorf("release lock %s: %w", l.Key, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			released = append(released, l)
		}
	}
	return released, nil
}
