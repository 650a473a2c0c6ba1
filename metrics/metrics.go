// Package metrics exposes the Prometheus instruments shared by the registry,
// discovery and pipeline components.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without branching.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "svckit"

// Collector groups every svckit instrument.
type Collector struct {
	registrations  *prometheus.CounterVec
	renewals       *prometheus.CounterVec
	leasesLost     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	viewVersion    *prometheus.GaugeVec
	viewInstances  *prometheus.GaugeVec
	reconciliation *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

// NewCollector creates the instruments and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations_total",
			Help: "Lease registration attempts by result.",
		}, []string{"service", "result"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "renewals_total",
			Help: "Lease renewal ticks by result.",
		}, []string{"service", "result"}),
		leasesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "leases_lost_total",
			Help: "Registrations that entered the Lost state.",
		}, []string{"service"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "state_transitions_total",
			Help: "Registrar state transitions by target state.",
		}, []string{"service", "state"}),
		viewVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "view_version",
			Help: "Current discovery view version.",
		}, []string{"service"}),
		viewInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "instances",
			Help: "Instances in the current discovery view.",
		}, []string{"service"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "reconciliations_total",
			Help: "Full listings diffed against the current view, by trigger.",
		}, []string{"service", "trigger"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "discovery", Name: "watch_disconnects_total",
			Help: "Watch streams that ended while the service was still watched.",
		}, []string{"service"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "requests_total",
			Help: "Handled requests by type key and status code.",
		}, []string{"type", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "request_duration_seconds",
			Help:    "Request handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.registrations, c.renewals, c.leasesLost, c.transitions,
			c.viewVersion, c.viewInstances, c.reconciliation, c.disconnects,
			c.requests, c.latency,
		)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Registration records a registration attempt.
func (c *Collector) Registration(service string, err error) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(service, result(err)).Inc()
}

// Renewal records the outcome of one heartbeat tick.
func (c *Collector) Renewal(service string, err error) {
	if c == nil {
		return
	}
	c.renewals.WithLabelValues(service, result(err)).Inc()
}

// LeaseLost records a registration that gave up renewing.
func (c *Collector) LeaseLost(service string) {
	if c == nil {
		return
	}
	c.leasesLost.WithLabelValues(service).Inc()
}

// Transition records a registrar state change.
func (c *Collector) Transition(service, state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(service, state).Inc()
}

// View records a published discovery view.
func (c *Collector) View(service string, version uint64, instances int) {
	if c == nil {
		return
	}
	c.viewVersion.WithLabelValues(service).Set(float64(version))
	c.viewInstances.WithLabelValues(service).Set(float64(instances))
}

// Reconciliation records a full listing diffed against a view.
func (c *Collector) Reconciliation(service, trigger string) {
	if c == nil {
		return
	}
	c.reconciliation.WithLabelValues(service, trigger).Inc()
}

// Disconnect records a watch stream that ended unexpectedly.
func (c *Collector) Disconnect(service string) {
	if c == nil {
		return
	}
	c.disconnects.WithLabelValues(service).Inc()
}

// Request records a handled request.
func (c *Collector) Request(typeKey string, code int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(typeKey, strconv.Itoa(code)).Inc()
	c.latency.WithLabelValues(typeKey).Observe(elapsed.Seconds())
}
