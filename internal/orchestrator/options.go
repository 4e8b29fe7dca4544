package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Default liveness and lock settings.
const (
	DefaultHeartbeatTTL = 30 * time.Second
	DefaultGrace        = 15 * time.Second
	DefaultLockTTL      = 5 * time.Minute
	DefaultEventBuffer  = 256
	// defaultLockAttempts bounds how often Acquire re-reads a lock row after
	// losing a compare-and-set race before reporting the lock as held.
	defaultLockAttempts = 5
)

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

// coordinatorOptions holds all optional configuration.
// These are only used during construction.
type coordinatorOptions struct {
	heartbeatTTL   time.Duration
	grace          time.Duration
	lockTTL        time.Duration
	lockAttempts   int
	recoverOnClaim bool
	eventBuffer    int
	logger         *DebugLogger
	metrics        *Metrics

	// Injectable dependencies for testing
	clock func() time.Time
	newID func() string
}

func defaultOptions() coordinatorOptions {
	return coordinatorOptions{
		heartbeatTTL:   DefaultHeartbeatTTL,
		grace:          DefaultGrace,
		lockTTL:        DefaultLockTTL,
		lockAttempts:   defaultLockAttempts,
		recoverOnClaim: true,
		eventBuffer:    DefaultEventBuffer,
		clock:          time.Now,
		newID:          uuid.NewString,
	}
}

// WithHeartbeatTTL sets how long a heartbeat keeps an agent alive.
func WithHeartbeatTTL(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		if d > 0 {
			o.heartbeatTTL = d
		}
	}
}

// WithGrace sets how long a stale agent keeps its work before it is offline.
func WithGrace(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		if d >= 0 {
			o.grace = d
		}
	}
}

// WithLockTTL sets the lease used when Acquire or Renew is called without one.
func WithLockTTL(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithRecoverOnClaim toggles the recovery sweep that runs before each claim.
func WithRecoverOnClaim(b bool) Option {
	return func(o *coordinatorOptions) { o.recoverOnClaim = b }
}

// WithEventBuffer sets the per-subscriber event buffer size.
func WithEventBuffer(n int) Option {
	return func(o *coordinatorOptions) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithMetrics sets the metrics sink. Without it metrics are not recorded.
func WithMetrics(m *Metrics) Option {
	return func(o *coordinatorOptions) { o.metrics = m }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *coordinatorOptions) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithIDGenerator injects the generator for task, message and artifact IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *coordinatorOptions) {
		if fn != nil {
			o.newID = fn
		}
	}
}
