package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/arbor-build/arbor/internal/deps"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	reg := prometheus.NewRegistry()
	return newRecorder("http://127.0.0.1:0", time.Hour, 10*time.Millisecond, reg)
}

func TestRecordCacheResultIncrementsCounter(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordCacheResult("hit-default", 5*time.Millisecond)
	r.RecordCacheResult("hit-default", 5*time.Millisecond)
	r.RecordCacheResult("miss", 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.cacheCounter.WithLabelValues("hit-default")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.cacheCounter.WithLabelValues("miss")))
}

func TestRecordBuildOutcomeIncrementsCounter(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordBuildOutcome(deps.Success, deps.BuiltLocally, 10*time.Millisecond)
	r.RecordBuildOutcome(deps.Failure, deps.BuiltLocally, 0)
	r.RecordBuildOutcome(deps.Canceled, deps.BuiltLocally, 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.buildCounter.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.buildCounter.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.buildCounter.WithLabelValues("canceled")))
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordCacheResult("hit-default", time.Millisecond)
		r.RecordBuildOutcome(deps.Success, deps.BuiltLocally, time.Millisecond)
		r.Stop()
	})
}

func TestNoOpReturnsNilRecorder(t *testing.T) {
	assert.Nil(t, NoOp())
}

func TestPushMetricsReportsErrorOnUnreachableGateway(t *testing.T) {
	r := newTestRecorder(t)
	r.RecordCacheResult("hit-default", time.Millisecond)
	errs := r.pushMetrics()
	assert.Equal(t, 1, errs)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(deps.Success))
	assert.Equal(t, "failure", outcomeLabel(deps.Failure))
	assert.Equal(t, "canceled", outcomeLabel(deps.Canceled))
}
