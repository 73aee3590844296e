// Package metrics collects Prometheus counters and gauges for the
// dialog/session/subscription engine: active entity counts,
// state-transition totals, and timer-fire totals. An Enabled flag
// switches the collector to a no-op mode for tests that don't want a
// live registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config tunes a Collector's Prometheus registration.
type Config struct {
	// Enabled toggles metrics collection; disabled collectors accept
	// every call as a no-op, so call sites never need a nil check.
	Enabled bool
	// Namespace/Subsystem prefix every registered metric name.
	Namespace string
	Subsystem string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultConfig returns an enabled collector under the "sipua" / "ua"
// namespace/subsystem, registered against the default registry.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "sipua",
		Subsystem: "ua",
	}
}

// Collector is the UA-level Prometheus collector: active
// dialogs/sessions/subscriptions, state-transition counters, and
// timer-fire counters.
type Collector struct {
	enabled bool

	dialogsActive        prometheus.Gauge
	dialogsTotal          prometheus.Counter
	sessionsActive        prometheus.Gauge
	sessionDuration       prometheus.Histogram
	subscriptionsActive   prometheus.Gauge

	stateTransitions *prometheus.CounterVec
	timerFires       *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
}

// New builds a Collector per cfg. A disabled collector's methods are
// all safe no-ops, so the UA façade never needs to branch on whether
// metrics are configured.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}

	factory := promauto.With(cfg.Registerer)
	if cfg.Registerer == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Collector{
		enabled: true,
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "dialogs_active", Help: "Number of currently registered SIP dialogs.",
		}),
		dialogsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "dialogs_total", Help: "Total number of SIP dialogs created.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "sessions_active", Help: "Number of sessions not yet Terminated.",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "session_confirmed_duration_seconds",
			Help:    "Time a session spent Confirmed before ending.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}),
		subscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "refer_subscriptions_active", Help: "Number of REFER subscriptions not yet Terminated.",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "state_transitions_total", Help: "State machine transitions, labeled by entity and transition.",
		}, []string{"entity", "transition"}),
		timerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "timer_fires_total", Help: "Timer callbacks that fired, labeled by timer name.",
		}, []string{"timer"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "errors_total", Help: "CoreError emissions, labeled by category.",
		}, []string{"category"}),
	}
}

// DialogCreated/DialogClosed track the dialog registry's population.
func (c *Collector) DialogCreated() {
	if !c.enabled {
		return
	}
	c.dialogsTotal.Inc()
	c.dialogsActive.Inc()
}

func (c *Collector) DialogClosed() {
	if !c.enabled {
		return
	}
	c.dialogsActive.Dec()
}

// SessionStarted/SessionEnded track sessions from creation until they
// are removed, and how long each stayed Confirmed.
func (c *Collector) SessionStarted() {
	if !c.enabled {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded(confirmedAt time.Time) {
	if !c.enabled {
		return
	}
	c.sessionsActive.Dec()
	if !confirmedAt.IsZero() {
		c.sessionDuration.Observe(time.Since(confirmedAt).Seconds())
	}
}

// SubscriptionActive/SubscriptionClosed track REFER subscriptions.
func (c *Collector) SubscriptionActive() {
	if !c.enabled {
		return
	}
	c.subscriptionsActive.Inc()
}

func (c *Collector) SubscriptionClosed() {
	if !c.enabled {
		return
	}
	c.subscriptionsActive.Dec()
}

// StateTransition records one state-machine transition.
func (c *Collector) StateTransition(entity, transition string) {
	if !c.enabled {
		return
	}
	c.stateTransitions.WithLabelValues(entity, transition).Inc()
}

// TimerFired records one timer callback invocation.
func (c *Collector) TimerFired(name string) {
	if !c.enabled {
		return
	}
	c.timerFires.WithLabelValues(name).Inc()
}

// ErrorObserved records a CoreError by category.
func (c *Collector) ErrorObserved(category string) {
	if !c.enabled {
		return
	}
	c.errorsTotal.WithLabelValues(category).Inc()
}
