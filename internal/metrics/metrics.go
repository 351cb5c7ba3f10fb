// Package metrics holds the Prometheus collectors of the gateway.
//
// All recording methods are safe to call on a nil *Collector, which records
// nothing. Components therefore take an optional collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wxpush"

// Collector registers and exposes every gateway metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchAttempts *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	tokenRefresh     *prometheus.CounterVec
	proxyChecks      *prometheus.CounterVec
	reconcileUpdates prometheus.Counter
	proxiesIngested  prometheus.Counter
}

// NewCollector creates the collectors and registers them on registry. If
// registry is nil a fresh one is created.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatch calls by outcome",
		}, []string{"result"}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of delivery attempts by wave and outcome",
		}, []string{"wave", "result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency including failover",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of access token refreshes by outcome",
		}, []string{"result"}),
		proxyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_checks_total",
			Help:      "Total number of proxy health probes by verdict",
		}, []string{"result"}),
		reconcileUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_reconcile_updates_total",
			Help:      "Total number of proxy status changes written by reconcile",
		}),
		proxiesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_ingested_total",
			Help:      "Total number of proxies inserted by ingestion",
		}),
	}

	registry.MustRegister(
		c.dispatchTotal,
		c.dispatchAttempts,
		c.dispatchDuration,
		c.tokenRefresh,
		c.proxyChecks,
		c.reconcileUpdates,
		c.proxiesIngested,
	)
	return c
}

// Registry returns the registry the collectors live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordDispatch records one finished dispatch. result is "success",
// "exhausted" or "auth_error".
func (c *Collector) RecordDispatch(result string, took time.Duration) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(result).Inc()
	c.dispatchDuration.Observe(took.Seconds())
}

// RecordAttempt records one delivery attempt. wave is "cached" or "sweep".
func (c *Collector) RecordAttempt(wave, result string) {
	if c == nil {
		return
	}
	c.dispatchAttempts.WithLabelValues(wave, result).Inc()
}

func (c *Collector) RecordTokenRefresh(ok bool) {
	if c == nil {
		return
	}
	c.tokenRefresh.WithLabelValues(outcome(ok)).Inc()
}

// RecordProxyChecks records the verdicts of one probe batch.
func (c *Collector) RecordProxyChecks(results []bool) {
	if c == nil {
		return
	}
	for _, ok := range results {
		if ok {
			c.proxyChecks.WithLabelValues("healthy").Inc()
		} else {
			c.proxyChecks.WithLabelValues("unhealthy").Inc()
		}
	}
}

func (c *Collector) RecordReconcileUpdates(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.reconcileUpdates.Add(float64(n))
}

func (c *Collector) RecordIngested(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.proxiesIngested.Add(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
