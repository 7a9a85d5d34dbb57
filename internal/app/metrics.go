package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nuetzliches/peeklock/internal/broker"
)

// runtimeMetrics covers the daemon itself; the broker registers its own
// message counters on the same registry.
type runtimeMetrics struct {
	startedAt           prometheus.Gauge
	tracingEnabled      prometheus.Gauge
	tracingInitFailures prometheus.Counter
	tracingExportErrors prometheus.Counter
	configReloads       *prometheus.CounterVec
	recovered           prometheus.Counter
}

func newRuntimeMetrics(reg prometheus.Registerer) *runtimeMetrics {
	f := promauto.With(reg)
	return &runtimeMetrics{
		startedAt: f.NewGauge(prometheus.GaugeOpts{
			Name: "peeklock_start_time_seconds",
			Help: "Unix time the daemon started.",
		}),
		tracingEnabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "peeklock_tracing_enabled",
			Help: "1 when the OTLP exporter is active.",
		}),
		tracingInitFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "peeklock_tracing_init_failures_total",
			Help: "Tracer provider initialization failures.",
		}),
		tracingExportErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "peeklock_tracing_export_errors_total",
			Help: "Errors reported by the span exporter.",
		}),
		configReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peeklock_config_reloads_total",
			Help: "Config reload attempts by result.",
		}, []string{"result"}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "peeklock_moves_recovered_total",
			Help: "Interrupted moves resolved at startup.",
		}),
	}
}

func (m *runtimeMetrics) setStarted(t time.Time) {
	if m == nil {
		return
	}
	m.startedAt.Set(float64(t.Unix()))
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Set(1)
		return
	}
	m.tracingEnabled.Set(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailures.Inc()
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrors.Inc()
}

// observeReload records ok, failed or restart_required.
func (m *runtimeMetrics) observeReload(result string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(result).Inc()
}

func (m *runtimeMetrics) addRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}

// queueDepthCollector reports per-state record counts of every live queue
// at scrape time.
type queueDepthCollector struct {
	broker  *broker.Broker
	logger  *slog.Logger
	timeout time.Duration
	desc    *prometheus.Desc
}

func newQueueDepthCollector(b *broker.Broker, logger *slog.Logger) *queueDepthCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &queueDepthCollector{
		broker:  b,
		logger:  logger,
		timeout: 2 * time.Second,
		desc: prometheus.NewDesc(
			"peeklock_queue_messages",
			"Messages per queue and state.",
			[]string{"queue", "state"}, nil,
		),
	}
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, name := range c.broker.Queues() {
		st, err := c.broker.Stats(ctx, name)
		if err != nil {
			c.logger.Warn("queue_stats_failed", slog.String("queue", name), slog.Any("err", err))
			continue
		}
		for _, s := range []struct {
			state string
			n     int
		}{
			{"active", st.Active},
			{"scheduled", st.Scheduled},
			{"locked", st.Locked},
			{"deferred", st.Deferred},
			{"deadlettered", st.DeadLettered},
			{"staged", st.Staged},
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.n), name, s.state)
		}
	}
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
