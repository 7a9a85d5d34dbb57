package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker counters. A nil *Metrics records nothing.
type Metrics struct {
	sent             *prometheus.CounterVec
	forwarded        *prometheus.CounterVec
	received         *prometheus.CounterVec
	completed        *prometheus.CounterVec
	abandoned        *prometheus.CounterVec
	deferred         *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	lockExpired      *prometheus.CounterVec
	promoted         *prometheus.CounterVec
	moves            *prometheus.CounterVec
	sessionsAccepted *prometheus.CounterVec
	queuesDeleted    prometheus.Counter
}

// NewMetrics registers the broker metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_sent_total",
			Help: "Messages stored by send, batch send and schedule.",
		}, []string{"queue"}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_forwarded_total",
			Help: "Messages redirected by auto-forwarding.",
		}, []string{"from", "to"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_received_total",
			Help: "Lock acquisitions.",
		}, []string{"entity"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_completed_total",
			Help: "Messages completed and removed.",
		}, []string{"entity"}),
		abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_abandoned_total",
			Help: "Locks released by abandon.",
		}, []string{"entity"}),
		deferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_deferred_total",
			Help: "Messages moved to the deferred pool.",
		}, []string{"queue"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_messages_deadlettered_total",
			Help: "Messages moved to the dead-letter sub-queue.",
		}, []string{"queue", "reason"}),
		lockExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_locks_expired_total",
			Help: "Locks released because they expired.",
		}, []string{"entity"}),
		promoted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_scheduled_promoted_total",
			Help: "Scheduled messages that became active.",
		}, []string{"queue"}),
		moves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_moves_total",
			Help: "Transactional moves by outcome.",
		}, []string{"outcome"}),
		sessionsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_sessions_accepted_total",
			Help: "Session locks granted.",
		}, []string{"queue"}),
		queuesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "peeklock_queues_auto_deleted_total",
			Help: "Queues removed after being idle.",
		}),
	}
}

func (m *Metrics) incSent(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sent.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) incForwarded(from, to string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwarded.WithLabelValues(from, to).Add(float64(n))
}

func (m *Metrics) incReceived(entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.received.WithLabelValues(entity).Add(float64(n))
}

func (m *Metrics) incCompleted(entity string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(entity).Inc()
}

func (m *Metrics) incAbandoned(entity string) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(entity).Inc()
}

func (m *Metrics) incDeferred(queue string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(queue).Inc()
}

func (m *Metrics) incDeadLettered(queue, reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) incLockExpired(entity string) {
	if m == nil {
		return
	}
	m.lockExpired.WithLabelValues(entity).Inc()
}

func (m *Metrics) incPromoted(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.promoted.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) incMove(outcome string) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incSessionAccepted(queue string) {
	if m == nil {
		return
	}
	m.sessionsAccepted.WithLabelValues(queue).Inc()
}

func (m *Metrics) incQueueDeleted() {
	if m == nil {
		return
	}
	m.queuesDeleted.Inc()
}
