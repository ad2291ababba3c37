// Package metrics exports Prometheus collectors for the four core
// subsystems: transaction, dialog, session, media.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the counters/gauges/histograms every layer reports
// into. A nil *Collector is valid and every method becomes a no-op, so
// callers can wire metrics in without a feature flag.
type Collector struct {
	TransactionsTotal     *prometheus.CounterVec
	TransactionsActive    prometheus.Gauge
	TransactionDuration   *prometheus.HistogramVec
	DialogsTotal          *prometheus.CounterVec
	DialogsActive         prometheus.Gauge
	SessionsTotal         *prometheus.CounterVec
	SessionsActive        prometheus.Gauge
	MediaSSRCCollisions   prometheus.Counter
	MediaJitterMS         prometheus.Histogram
	MediaPacketsLost      prometheus.Counter
}

// NewCollector registers a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callengine",
			Subsystem: "transaction",
			Name:      "total",
			Help:      "Transactions created, labeled by kind and final state.",
		}, []string{"kind", "state"}),
		TransactionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callengine",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Transactions currently not in the Terminated state.",
		}),
		TransactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callengine",
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Time from transaction creation to Terminated.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		DialogsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callengine",
			Subsystem: "dialog",
			Name:      "total",
			Help:      "Dialogs created, labeled by terminal state.",
		}, []string{"state"}),
		DialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callengine",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Dialogs currently not Terminated.",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callengine",
			Subsystem: "session",
			Name:      "total",
			Help:      "Sessions created, labeled by outcome (active/failed/terminated).",
		}, []string{"outcome"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callengine",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently not Terminated.",
		}),
		MediaSSRCCollisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callengine",
			Subsystem: "media",
			Name:      "ssrc_collisions_total",
			Help:      "SSRC collisions detected and resolved by reselection.",
		}),
		MediaJitterMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callengine",
			Subsystem: "media",
			Name:      "jitter_ms",
			Help:      "Observed interarrival jitter, sampled at 1 Hz.",
			Buckets:   prometheus.LinearBuckets(0, 10, 20),
		}),
		MediaPacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callengine",
			Subsystem: "media",
			Name:      "packets_lost_total",
			Help:      "RTP packets detected missing by sequence-number gap.",
		}),
	}
}

func (c *Collector) txCreated(kind string) {
	if c == nil {
		return
	}
	c.TransactionsActive.Inc()
	_ = kind
}

// ObserveTransactionTerminated records a transaction reaching Terminated.
func (c *Collector) ObserveTransactionTerminated(kind, state string, seconds float64) {
	if c == nil {
		return
	}
	c.TransactionsTotal.WithLabelValues(kind, state).Inc()
	c.TransactionsActive.Dec()
	c.TransactionDuration.WithLabelValues(kind).Observe(seconds)
}

// ObserveTransactionCreated records a new transaction entering the table.
func (c *Collector) ObserveTransactionCreated(kind string) {
	c.txCreated(kind)
}

// ObserveDialogState records a dialog reaching a new terminal-relevant state.
func (c *Collector) ObserveDialogState(state string, active bool) {
	if c == nil {
		return
	}
	if active {
		c.DialogsActive.Inc()
	} else {
		c.DialogsTotal.WithLabelValues(state).Inc()
		c.DialogsActive.Dec()
	}
}

// ObserveSessionOutcome records a session reaching Terminated/Failed.
func (c *Collector) ObserveSessionOutcome(outcome string, wasActive bool) {
	if c == nil {
		return
	}
	c.SessionsTotal.WithLabelValues(outcome).Inc()
	if wasActive {
		c.SessionsActive.Dec()
	}
}

// ObserveSessionCreated records a new session entering Initiating.
func (c *Collector) ObserveSessionCreated() {
	if c == nil {
		return
	}
	c.SessionsActive.Inc()
}

// ObserveSSRCCollision records a detected-and-resolved SSRC collision.
func (c *Collector) ObserveSSRCCollision() {
	if c == nil {
		return
	}
	c.MediaSSRCCollisions.Inc()
}

// ObserveJitter records a 1 Hz jitter sample in milliseconds.
func (c *Collector) ObserveJitter(ms float64) {
	if c == nil {
		return
	}
	c.MediaJitterMS.Observe(ms)
}

// AddPacketsLost increments the lost-packet counter by n.
func (c *Collector) AddPacketsLost(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.MediaPacketsLost.Add(float64(n))
}
