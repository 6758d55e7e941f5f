// Package metrics exposes Prometheus collectors for portal traffic, the
// activation workflow and the local registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
	OutcomeUnauthorized = "unauthorized"
	OutcomePartial      = "partial"
	OutcomeOrphaned     = "orphaned"
)

// Collectors groups every metric the bridge records. A nil *Collectors is
// valid and records nothing.
type Collectors struct {
	PortalRequests *prometheus.CounterVec
	Relogins       prometheus.Counter
	WorkflowRuns   *prometheus.CounterVec
	RegistrySize   prometheus.Gauge
	SyncDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		PortalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbridge",
			Subsystem: "portal",
			Name:      "operations_total",
			Help:      "Portal operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		Relogins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbridge",
			Subsystem: "portal",
			Name:      "relogins_total",
			Help:      "Re-authentications triggered by an unauthorized response.",
		}),
		WorkflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbridge",
			Subsystem: "workflow",
			Name:      "activate_and_swap_total",
			Help:      "Activate-and-swap runs by outcome.",
		}, []string{"outcome"}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbridge",
			Subsystem: "registry",
			Name:      "sims",
			Help:      "Rows written by the last successful sync.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simbridge",
			Subsystem: "portal",
			Name:      "sync_duration_seconds",
			Help:      "Duration of full CSV syncs.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
	}

	for _, col := range []prometheus.Collector{c.PortalRequests, c.Relogins, c.WorkflowRuns, c.RegistrySize, c.SyncDuration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) PortalOp(op, outcome string) {
	if c == nil {
		return
	}
	c.PortalRequests.WithLabelValues(op, outcome).Inc()
}

func (c *Collectors) Relogin() {
	if c == nil {
		return
	}
	c.Relogins.Inc()
}

func (c *Collectors) Workflow(outcome string) {
	if c == nil {
		return
	}
	c.WorkflowRuns.WithLabelValues(outcome).Inc()
}

func (c *Collectors) Synced(rows int, took time.Duration) {
	if c == nil {
		return
	}
	c.RegistrySize.Set(float64(rows))
	c.SyncDuration.Observe(took.Seconds())
}
