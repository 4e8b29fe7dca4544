package models

import "time"

// Lock is an advisory, TTL-bounded exclusive grant on a resource key.
type Lock struct {
	// Key is the resource being serialized, usually a file path.
	Key string `json:"key"`
	// Holder is the agent that owns the lock.
	Holder string `json:"holder"`
	// AcquiredAt is when the current holder obtained the lock.
	AcquiredAt time.Time `json:"acquired_at"`
	// TTL is the lifetime granted on acquire or the last renew.
	TTL time.Duration `json:"ttl"`
	// ExpiresAt is when the lock stops being active unless renewed.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock is no longer active at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
