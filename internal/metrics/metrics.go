// Package metrics exposes daemon counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jetdeploy"

// Collector holds all daemon metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionConnects  *prometheus.CounterVec
	deploysTotal     *prometheus.CounterVec
	deployDuration   prometheus.Histogram
	runsActive       prometheus.Gauge
	runsTotal        *prometheus.CounterVec
	readinessAttempt prometheus.Histogram
	logLinesDropped  prometheus.Counter
	tunnelsOpen      prometheus.Gauge
	sweepsTotal      *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected sessions.",
		}),
		sessionConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_connects_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_total",
			Help:      "Finished deploy jobs by terminal state.",
		}, []string{"state"}),
		deployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deploy_duration_seconds",
			Help:      "Deploy job duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of run sessions in starting or running state.",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Run sessions by final state.",
		}, []string{"state"}),
		readinessAttempt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "readiness_attempts",
			Help:      "Readiness probes needed before a run became ready or failed.",
			Buckets:   prometheus.LinearBuckets(1, 5, 8),
		}),
		logLinesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_lines_dropped_total",
			Help:      "Log lines dropped for slow subscribers.",
		}),
		tunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_open",
			Help:      "Number of open local port forwards.",
		}),
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_removed_total",
			Help:      "Objects removed by housekeeping sweeps.",
		}, []string{"sweeper"}),
	}
	c.registry.MustRegister(
		c.sessionsActive, c.sessionConnects,
		c.deploysTotal, c.deployDuration,
		c.runsActive, c.runsTotal, c.readinessAttempt,
		c.logLinesDropped, c.tunnelsOpen, c.sweepsTotal,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SessionConnected records a connect attempt.
func (c *Collector) SessionConnected(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.sessionConnects.WithLabelValues("ok").Inc()
		c.sessionsActive.Inc()
		return
	}
	c.sessionConnects.WithLabelValues("failed").Inc()
}

// SessionClosed records a disconnect.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

// DeployFinished records a terminal deploy job.
func (c *Collector) DeployFinished(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.deploysTotal.WithLabelValues(state).Inc()
	c.deployDuration.Observe(d.Seconds())
}

// RunStarted records a run entering the active set.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunEnded records a run leaving the active set.
func (c *Collector) RunEnded(state string) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(state).Inc()
}

// ReadinessAttempts records how many probes a run needed.
func (c *Collector) ReadinessAttempts(n int) {
	if c == nil {
		return
	}
	c.readinessAttempt.Observe(float64(n))
}

// LogLinesDropped adds to the dropped line counter.
func (c *Collector) LogLinesDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.logLinesDropped.Add(float64(n))
}

// TunnelOpened and TunnelClosed track open forwards.
func (c *Collector) TunnelOpened() {
	if c == nil {
		return
	}
	c.tunnelsOpen.Inc()
}

func (c *Collector) TunnelClosed() {
	if c == nil {
		return
	}
	c.tunnelsOpen.Dec()
}

// Swept records objects removed by a housekeeping sweeper.
func (c *Collector) Swept(sweeper string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sweepsTotal.WithLabelValues(sweeper).Add(float64(n))
}
