package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records cache, pipeline, load and HTTP metrics into a private registry.
// A disabled collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	cacheResults  *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	loadDuration  *prometheus.HistogramVec
	loadState     *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec

	lastState string
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// LoadStates lists the label values of the load_state gauge.
var LoadStates = []string{"not_loaded", "loading", "loaded", "failed"}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "cxhealth",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// NewNop returns a disabled collector.
func NewNop() *Collector {
	return &Collector{config: &Config{Enabled: false}}
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordCacheResult counts one cache lookup outcome for a tier.
func (c *Collector) RecordCacheResult(tier, namespace string, hit bool) {
	if !c.Enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheResults.WithLabelValues(tier, namespace, result).Inc()
}

// RecordCacheError counts a swallowed tier failure.
func (c *Collector) RecordCacheError(tier, operation string) {
	if !c.Enabled() {
		return
	}
	c.cacheErrors.WithLabelValues(tier, operation).Inc()
}

// RecordStage observes a pipeline stage duration.
func (c *Collector) RecordStage(stage string, duration time.Duration, err error) {
	if !c.Enabled() {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		c.stageErrors.WithLabelValues(stage).Inc()
	}
}

// RecordLoad observes a completed load attempt; outcome is hydrated, computed or failed.
func (c *Collector) RecordLoad(outcome string, duration time.Duration) {
	if !c.Enabled() {
		return
	}
	c.loadDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetLoadState sets the one-hot load state gauge.
func (c *Collector) SetLoadState(state string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range LoadStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.loadState.WithLabelValues(s).Set(v)
	}
	c.lastState = state
}

// LoadState returns the last state passed to SetLoadState.
func (c *Collector) LoadState() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastState
}

// RecordHTTPRequest counts and times one API request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if !c.Enabled() {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.cacheResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "requests_total",
		Help:        "Cache lookups by tier, namespace and result.",
		ConstLabels: labels,
	}, []string{"tier", "namespace", "result"})

	c.cacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "cache",
		Name:        "tier_errors_total",
		Help:        "Cache tier failures that were logged and treated as misses.",
		ConstLabels: labels,
	}, []string{"tier", "operation"})

	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "pipeline",
		Name:        "stage_duration_seconds",
		Help:        "Duration of pipeline stages.",
		Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		ConstLabels: labels,
	}, []string{"stage"})

	c.stageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "pipeline",
		Name:        "stage_errors_total",
		Help:        "Pipeline stage failures.",
		ConstLabels: labels,
	}, []string{"stage"})

	c.loadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "loader",
		Name:        "load_duration_seconds",
		Help:        "Duration of load attempts by outcome.",
		Buckets:     prometheus.ExponentialBuckets(0.01, 3, 10),
		ConstLabels: labels,
	}, []string{"outcome"})

	c.loadState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "loader",
		Name:        "state",
		Help:        "Current load state (1 for the active state).",
		ConstLabels: labels,
	}, []string{"state"})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "API requests by method, route and status.",
		ConstLabels: labels,
	}, []string{"method", "route", "status"})

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "http",
		Name:        "request_duration_seconds",
		Help:        "API request latency.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"method", "route"})
}

func (c *Collector) registerMetrics() error {
	cs := []prometheus.Collector{
		c.cacheResults,
		c.cacheErrors,
		c.stageDuration,
		c.stageErrors,
		c.loadDuration,
		c.loadState,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}
