// Package metrics holds the Prometheus collectors shared by the collaboration
// core and the websocket gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docsync"

// Metrics holds all Prometheus metrics for docsync.
// Pass to components that need to record metrics.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	ActiveConnections   prometheus.Gauge
	JoinsTotal          *prometheus.CounterVec
	DeltasTotal         *prometheus.CounterVec
	SavesTotal          *prometheus.CounterVec
	SaveDuration        prometheus.Histogram
	SlowConsumerDrops   prometheus.Counter
	SessionLoadFailures prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of documents with a live editing session",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open websocket connections",
		}),
		JoinsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_total",
				Help:      "Join requests by access decision",
			},
			[]string{"access"}, // owner/shared/link/denied
		),
		DeltasTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deltas_total",
				Help:      "Submitted deltas by outcome",
			},
			[]string{"result"}, // applied/malformed/duplicate/rejected
		),
		SavesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saves_total",
				Help:      "Document save attempts by outcome",
			},
			[]string{"result"}, // ok/retry/failed/superseded/lost
		),
		SaveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of a single document save call",
			Buckets:   prometheus.DefBuckets,
		}),
		SlowConsumerDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their outbound queue overflowed",
		}),
		SessionLoadFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_load_failures_total",
			Help:      "Session creations that failed to load the document",
		}),
	}
}
