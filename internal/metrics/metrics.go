// Package metrics exposes evaluation and HTTP instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waterguard"

// Summary is the last recorded cycle, kept for the status endpoint.
type Summary struct {
	CycleID   string         `json:"cycle_id"`
	At        time.Time      `json:"at"`
	Finished  time.Time      `json:"finished"`
	Duration  string         `json:"duration"`
	Alerts    int            `json:"alerts"`
	New       int            `json:"new"`
	Failures  int            `json:"failures"`
	Buildings int            `json:"buildings"`
	CTPs      int            `json:"ctps"`
	ByRule    map[string]int `json:"by_rule"`
}

// Collector owns its registry so tests can build as many as they need.
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	alertsActive  *prometheus.GaugeVec
	alertsNew     *prometheus.CounterVec
	ruleFailures  *prometheus.CounterVec
	published     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec

	mu   sync.RWMutex
	last *Summary
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "cycles_total",
			Help:      "Evaluation cycles by outcome",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one evaluation cycle",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		alertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Alerts produced by the latest cycle",
		}, []string{"rule", "severity"}),
		alertsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "new_total",
			Help:      "Alerts not present in the previous cycle",
		}, []string{"rule"}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "rule_failures_total",
			Help:      "Rule evaluations that failed and were treated as no alert",
		}, []string{"rule"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "messages_total",
			Help:      "Alert messages handed to the publisher",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.cycleDuration, c.alertsActive, c.alertsNew,
		c.ruleFailures, c.published, c.httpRequests, c.httpDuration,
	)
	return c
}

// Key identifies one gauge series of alertsActive.
type Key struct {
	Rule     string
	Severity string
}

// RecordCycle stores s and refreshes the gauges from active.
func (c *Collector) RecordCycle(s Summary, elapsed time.Duration, active map[Key]int, newByRule map[string]int, failuresByRule map[string]int) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues("ok").Inc()
	c.cycleDuration.Observe(elapsed.Seconds())
	c.alertsActive.Reset()
	for k, n := range active {
		c.alertsActive.WithLabelValues(k.Rule, k.Severity).Set(float64(n))
	}
	for rule, n := range newByRule {
		c.alertsNew.WithLabelValues(rule).Add(float64(n))
	}
	for rule, n := range failuresByRule {
		c.ruleFailures.WithLabelValues(rule).Add(float64(n))
	}
	c.mu.Lock()
	c.last = &s
	c.mu.Unlock()
}

func (c *Collector) CycleFailed() {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues("error").Inc()
}

func (c *Collector) Published(status string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.published.WithLabelValues(status).Add(float64(n))
}

func (c *Collector) Last() (Summary, bool) {
	if c == nil {
		return Summary{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Summary{}, false
	}
	return *c.last, true
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies. path should be the route
// pattern, not the raw URL.
func (c *Collector) Middleware(path func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			p := path(r)
			c.httpRequests.WithLabelValues(r.Method, p, strconv.Itoa(rw.status)).Inc()
			c.httpDuration.WithLabelValues(r.Method, p).Observe(time.Since(start).Seconds())
		})
	}
}
