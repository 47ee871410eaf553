// Package metrics reports cache hit rates and build durations to an
// external Prometheus pushgateway. The engine runs as a transient process
// per invocation, so — like the reference tool's own metrics package — it
// pushes on a ticker and once more at shutdown rather than waiting for a
// scrape.
package metrics

import (
	"fmt"
	"os/user"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gopkg.in/op/go-logging.v1"

	"github.com/arbor-build/arbor/internal/deps"
)

var log = logging.MustGetLogger("metrics")

// maxErrors is the number of consecutive push failures after which the
// recorder gives up retrying for the rest of this invocation.
const maxErrors = 3

// Recorder accumulates build and cache metrics and periodically pushes
// them to a Prometheus pushgateway. The zero value is not usable; build one
// with New or NoOp.
type Recorder struct {
	url     string
	timeout time.Duration
	ticker  *time.Ticker

	newMetrics bool
	errors     int
	pushes     int
	cancelled  bool

	cacheCounter   *prometheus.CounterVec
	buildCounter   *prometheus.CounterVec
	buildHistogram *prometheus.Histogram
	cacheHistogram *prometheus.Histogram

	stop chan struct{}
}

// NoOp returns a Recorder that discards everything, used when no
// pushgateway URL is configured (§6: metrics are entirely optional).
func NoOp() *Recorder {
	return nil
}

// New builds a Recorder that pushes to url every frequency, aborting any
// single push attempt after timeout. It registers its collectors against
// the default Prometheus registry and starts its push loop immediately.
func New(url string, frequency, timeout time.Duration) *Recorder {
	return newRecorder(url, frequency, timeout, prometheus.DefaultRegisterer)
}

// newRecorder is the unexported constructor taking an explicit Registerer,
// so tests can register against a scratch registry instead of colliding
// with the package-wide default one across test cases.
func newRecorder(url string, frequency, timeout time.Duration, reg prometheus.Registerer) *Recorder {
	u, err := user.Current()
	username := "unknown"
	if err == nil {
		username = u.Username
	}
	constLabels := prometheus.Labels{
		"user": username,
		"arch": runtime.GOOS + "_" + runtime.GOARCH,
	}

	r := &Recorder{
		url:     url,
		timeout: timeout,
		ticker:  time.NewTicker(frequency),
		stop:    make(chan struct{}),
	}

	r.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arbor_cache_results_total",
		Help:        "Count of cache lookups by result (hit, miss)",
		ConstLabels: constLabels,
	}, []string{"kind"})

	r.buildCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arbor_build_results_total",
		Help:        "Count of rule build outcomes (success, failure, canceled)",
		ConstLabels: constLabels,
	}, []string{"outcome"})

	buildHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "arbor_build_duration_seconds",
		Help:        "Durations of rules built locally",
		Buckets:     prometheus.ExponentialBuckets(0.01, 2, 16),
		ConstLabels: constLabels,
	})
	r.buildHistogram = &buildHist

	cacheHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "arbor_cache_fetch_duration_seconds",
		Help:        "Durations of successful artifact cache fetches",
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
		ConstLabels: constLabels,
	})
	r.cacheHistogram = &cacheHist

	reg.MustRegister(r.cacheCounter, r.buildCounter, buildHist, cacheHist)

	go r.keepPushing()
	return r
}

// RecordCacheResult increments the counter for one cache lookup outcome.
// kind is a free-form label; the engine records "hit" or "miss", without
// distinguishing which rule-key family a hit came from.
func (r *Recorder) RecordCacheResult(kind string, duration time.Duration) {
	if r == nil {
		return
	}
	r.cacheCounter.WithLabelValues(kind).Inc()
	if kind != "miss" {
		(*r.cacheHistogram).Observe(duration.Seconds())
	}
	r.newMetrics = true
}

// RecordBuildOutcome increments the counter for one rule's terminal outcome
// and, for a local build, observes its wall-clock duration.
func (r *Recorder) RecordBuildOutcome(outcome deps.Outcome, kind deps.Kind, duration time.Duration) {
	if r == nil {
		return
	}
	r.buildCounter.WithLabelValues(outcomeLabel(outcome)).Inc()
	if outcome == deps.Success && kind == deps.BuiltLocally {
		(*r.buildHistogram).Observe(duration.Seconds())
	}
	r.newMetrics = true
}

func outcomeLabel(o deps.Outcome) string {
	switch o {
	case deps.Success:
		return "success"
	case deps.Failure:
		return "failure"
	case deps.Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Stop halts the push ticker and pushes one final time before returning, the
// same shutdown ordering as the reference tool's metrics.Stop.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	if !r.cancelled {
		r.errors = r.pushMetrics()
	}
}

func (r *Recorder) keepPushing() {
	for {
		select {
		case <-r.ticker.C:
			r.errors = r.pushMetrics()
			if r.errors >= maxErrors {
				log.Warning("metrics pushes failing repeatedly, giving up for the rest of this run")
				r.cancelled = true
				return
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Recorder) pushMetrics() int {
	if !r.newMetrics {
		return r.errors
	}
	start := time.Now()
	r.newMetrics = false
	if err := deadline(func() error {
		return push.New(r.url, "arbor").Gatherer(prometheus.DefaultGatherer).Push()
	}, r.timeout); err != nil {
		log.Warning("could not push metrics: %s", err)
		r.newMetrics = true
		return r.errors + 1
	}
	r.pushes++
	log.Debug("push #%d of metrics in %0.3fs", r.pushes, time.Since(start).Seconds())
	return 0
}

func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out after %s", timeout)
	}
}
