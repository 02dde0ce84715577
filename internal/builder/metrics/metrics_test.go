package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/narvanalabs/appfactory/internal/models"
)

func TestCollector_RecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOutcome(models.BuildStatusSuccess, models.FailureReasonNone)
	c.RecordOutcome(models.BuildStatusFailure, models.FailureReasonDispatch)
	c.RecordOutcome(models.BuildStatusFailure, models.FailureReasonDispatch)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.builds.WithLabelValues("success", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.builds.WithLabelValues("failure", "dispatch_error")))
}

func TestCollector_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCollector(reg)
	second := NewCollector(reg)

	first.PollAttempt()
	second.PollAttempt()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.pollAttempts))
	assert.Same(t, first.builds, second.builds)
}

func TestCollector_PhaseAndInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	done := c.PipelineStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))

	c.ObservePhase(PhasePublish, time.Second, nil)
	c.ObservePhase(PhasePublish, time.Second, errors.New("boom"))
	assert.Equal(t, 2, testutil.CollectAndCount(c.phaseDuration))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.RecordOutcome(models.BuildStatusSuccess, "")
	c.ObservePhase(PhasePoll, time.Second, nil)
	c.PollAttempt()
	c.PipelineStarted()()
}
