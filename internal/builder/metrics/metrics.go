// Package metrics exposes prometheus instrumentation for the build pipeline.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/narvanalabs/appfactory/internal/models"
)

// Pipeline phases, used as the "phase" label.
const (
	PhaseMaterialize = "materialize"
	PhaseCredential  = "credential"
	PhasePublish     = "publish"
	PhaseDispatch    = "dispatch"
	PhaseDiscover    = "discover"
	PhasePoll        = "poll"
)

var phaseBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 1800, 3600}

// Collector records pipeline outcomes and phase latencies. A nil *Collector
// is valid and records nothing.
type Collector struct {
	builds        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	pollAttempts  prometheus.Counter
	inFlight      prometheus.Gauge
}

// NewCollector creates the pipeline collectors and registers them with reg.
// A nil reg selects the default registerer. Collectors that are already
// registered are reused, so repeated construction is safe.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appfactory",
			Subsystem: "builder",
			Name:      "builds_total",
			Help:      "Builds that reached a terminal status",
		}, []string{"status", "reason"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "appfactory",
			Subsystem: "builder",
			Name:      "phase_duration_seconds",
			Help:      "Latency distribution of pipeline phases",
			Buckets:   phaseBuckets,
		}, []string{"phase", "outcome"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appfactory",
			Subsystem: "builder",
			Name:      "poll_attempts_total",
			Help:      "Workflow run status requests issued by the poller",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appfactory",
			Subsystem: "builder",
			Name:      "pipelines_in_flight",
			Help:      "Pipelines currently being processed",
		}),
	}

	c.builds = register(reg, c.builds)
	c.phaseDuration = register(reg, c.phaseDuration)
	c.pollAttempts = register(reg, c.pollAttempts)
	c.inFlight = register(reg, c.inFlight)
	return c
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// ObservePhase records how long a phase took and whether it failed.
func (c *Collector) ObservePhase(phase string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.phaseDuration.WithLabelValues(phase, outcome).Observe(elapsed.Seconds())
}

// RecordOutcome counts a build that reached status.
func (c *Collector) RecordOutcome(status models.BuildStatus, reason models.FailureReason) {
	if c == nil {
		return
	}
	c.builds.WithLabelValues(string(status), string(reason)).Inc()
}

// PollAttempt counts one run status request.
func (c *Collector) PollAttempt() {
	if c == nil {
		return
	}
	c.pollAttempts.Inc()
}

// PipelineStarted marks a pipeline as in flight and returns the func that clears it.
func (c *Collector) PipelineStarted() func() {
	if c == nil {
		return func() {}
	}
	c.inFlight.Inc()
	return c.inFlight.Dec
}
