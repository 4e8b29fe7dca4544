package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/coord/pkg/models"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submissions   *prometheus.CounterVec
	claims        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	recovered     *prometheus.CounterVec
	lockAcquires  *prometheus.CounterVec
	messagesSent  prometheus.Counter
	tasksByState  *prometheus.GaugeVec
	agentsByState *prometheus.GaugeVec
	opDuration    *prometheus.HistogramVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused, so several coordinators
// in one process (tests, embedded use) share one set of series.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const ns, sub = "coord", "coordinator"

	return &Metrics{
		submissions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "submissions_total",
			Help: "Task submissions by outcome.",
		}, []string{"result"})),
		claims: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "claims_total",
			Help: "Claim attempts by outcome.",
		}, []string{"result"})),
		transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "transitions_total",
			Help: "Task state transitions by target state.",
		}, []string{"to"})),
		recovered: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "recovered_total",
			Help: "Tasks requeued and locks released from offline agents.",
		}, []string{"kind"})),
		lockAcquires: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "lock_acquires_total",
			Help: "Lock acquire attempts by outcome.",
		}, []string{"result"})),
		messagesSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "messages_sent_total",
			Help: "Messages stored for delivery, counting each broadcast recipient.",
		})),
		tasksByState: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "tasks",
			Help: "Tasks per state at the last refresh.",
		}, []string{"state"})),
		agentsByState: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "agents",
			Help: "Registered agents per liveness status at the last refresh.",
		}, []string{"status"})),
		opDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "operation_duration_seconds",
			Help:    "Duration of coordinator operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})),
	}
}

// register adds c to reg, returning the already registered collector when
// an identical one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// outcome maps an operation error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrCyclicDependency):
		return "cycle"
	case errors.Is(err, models.ErrNoRunnableTask):
		return "empty"
	case errors.Is(err, models.ErrAgentBusy):
		return "busy"
	case errors.Is(err, models.ErrLockHeld):
		return "held"
	case errors.Is(err, models.ErrInvalidStateTransition):
		return "invalid"
	default:
		return "error"
	}
}

func (m *Metrics) observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordSubmit(err error) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) recordClaim(err error) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) recordTransition(to models.TaskState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) recordRecovery(tasks, locks int) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues("task").Add(float64(tasks))
	m.recovered.WithLabelValues("lock").Add(float64(locks))
}

func (m *Metrics) recordAcquire(err error) {
	if m == nil {
		return
	}
	m.lockAcquires.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) recordMessages(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(float64(n))
}

// setGauges publishes a snapshot of task and agent counts.
func (m *Metrics) setGauges(tasks map[models.TaskState]int, agents map[models.AgentStatus]int) {
	if m == nil {
		return
	}
	for state, n := range tasks {
		m.tasksByState.WithLabelValues(string(state)).Set(float64(n))
	}
	for _, status := range []models.AgentStatus{models.AgentAlive, models.AgentStale, models.AgentOffline} {
		m.agentsByState.WithLabelValues(string(status)).Set(float64(agents[status]))
	}
}
