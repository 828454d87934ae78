package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	EnqueueTotal    *prometheus.CounterVec // result=accepted|blocked|invalid
	SyncTotal       *prometheus.CounterVec // result=success|fail|offline
	RetryTotal      prometheus.Counter
	DeadLetterTotal prometheus.Counter

	QueueDepth *prometheus.GaugeVec // state=pending|processing|dead_letter

	HeartbeatTotal       prometheus.Counter
	AuthorityTransitions prometheus.Counter
	HasAuthority         prometheus.Gauge
	ActiveTabs           prometheus.Gauge
}

// NewMetrics registers all collectors on a private registry so multiple
// instances can coexist in one process (tests, embedded use).
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultsync_enqueue_total",
				Help: "Total enqueue attempts by result",
			},
			[]string{"result"},
		),
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultsync_sync_total",
				Help: "Total sync executor invocations by result",
			},
			[]string{"result"},
		),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_retry_total",
			Help: "Total operations rescheduled with backoff",
		}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_dead_letter_total",
			Help: "Total operations moved to the dead-letter store",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vaultsync_queue_depth",
				Help: "Current queue depth by operation state",
			},
			[]string{"state"},
		),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_heartbeat_total",
			Help: "Total heartbeats broadcast by this context",
		}),
		AuthorityTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultsync_authority_transitions_total",
			Help: "Total local write-authority transitions",
		}),
		HasAuthority: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_has_write_authority",
			Help: "Whether this context currently holds write authority",
		}),
		ActiveTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaultsync_active_tabs",
			Help: "Number of contexts with a fresh heartbeat",
		}),
	}

	m.registry.MustRegister(
		m.EnqueueTotal,
		m.SyncTotal,
		m.RetryTotal,
		m.DeadLetterTotal,
		m.QueueDepth,
		m.HeartbeatTotal,
		m.AuthorityTransitions,
		m.HasAuthority,
		m.ActiveTabs,
	)

	return m
}

// Handler serves the metrics of this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
