// Package telemetry exposes the dispenser's Prometheus metrics: HTTP server
// metrics recorded by an Echo middleware, dispense outcomes and durations,
// and gauges describing the device session.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the telemetry settings.
type Config struct {
	Namespace      string
	ServiceVersion string
	Environment    string
	// ProcessMetrics registers the Go runtime and process collectors.
	ProcessMetrics bool
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "dispenser"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Dispenses include the device wait and settle phases.
	dispenseDurationBuckets = []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 7.5, 10, 15, 20, 30, 45, 60}
)

// Provider owns a private Prometheus registry and the dispenser's metrics.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpDuration   *prometheus.HistogramVec
	httpActive     prometheus.Gauge
	operations     *prometheus.CounterVec
	opDuration     *prometheus.HistogramVec
	unmapped       prometheus.Counter
	sessionMode    *prometheus.GaugeVec
	devicePending  prometheus.Gauge
	deviceExchange *prometheus.CounterVec
	access         *prometheus.CounterVec
}

// unmatchedRoute labels requests no route matched, keeping scanner paths
// out of the route label.
const unmatchedRoute = "unmatched"

// NewProvider creates the metrics and registers them.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	ns := cfg.Namespace
	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_server_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "http_server_active_requests",
			Help:      "Number of active HTTP requests.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Lookups and dispenses by operation and outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "End-to-end duration of lookups and dispenses.",
			Buckets:   dispenseDurationBuckets,
		}, []string{"operation"}),
		unmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "unmapped_medicines_total",
			Help:      "Prescribed medicines with no slot code.",
		}),
		sessionMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "device_session_mode",
			Help:      "1 for the active device session mode.",
		}, []string{"mode"}),
		devicePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "device_pending_jobs",
			Help:      "Dispense jobs queued or in flight on the device session.",
		}),
		deviceExchange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "device_exchanges_total",
			Help:      "Device exchanges by result.",
		}, []string{"result"}),
		access: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "access_total",
			Help:      "Audited prescription and device accesses by action and status class.",
		}, []string{"action", "status_class"}),
	}

	p.registry.MustRegister(
		p.httpDuration, p.httpActive,
		p.operations, p.opDuration, p.unmapped,
		p.sessionMode, p.devicePending, p.deviceExchange, p.access,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "build_info",
			Help:        "Build and environment of the running server.",
			ConstLabels: prometheus.Labels{"version": cfg.ServiceVersion, "environment": cfg.Environment},
		}, func() float64 { return 1 }),
	)
	if cfg.ProcessMetrics {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry returns the provider's registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// ObserveOperation records the outcome and duration of a lookup or dispense.
func (p *Provider) ObserveOperation(operation, outcome string, d time.Duration) {
	p.operations.WithLabelValues(operation, outcome).Inc()
	p.opDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// AddUnmapped counts medicines that had no slot code.
func (p *Provider) AddUnmapped(n int) {
	if n > 0 {
		p.unmapped.Add(float64(n))
	}
}

// ObserveDeviceExchange counts one device exchange by result.
func (p *Provider) ObserveDeviceExchange(result string) {
	p.deviceExchange.WithLabelValues(result).Inc()
}

// SetSessionMode marks mode as the active device session mode.
func (p *Provider) SetSessionMode(mode string, known ...string) {
	for _, m := range known {
		p.sessionMode.WithLabelValues(m).Set(0)
	}
	p.sessionMode.WithLabelValues(mode).Set(1)
}

// SetDevicePending sets the device queue gauge.
func (p *Provider) SetDevicePending(n int) {
	p.devicePending.Set(float64(n))
}

// ObserveAccess counts one audited access. status is the HTTP status code.
func (p *Provider) ObserveAccess(action string, status int) {
	class := "unknown"
	if status >= 100 && status < 600 {
		class = strconv.Itoa(status/100) + "xx"
	}
	p.access.WithLabelValues(action, class).Inc()
}

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics keyed by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.httpActive.Inc()
			start := time.Now()

			err := next(c)
			route := c.Path()
			if route == "" || errors.Is(err, echo.ErrNotFound) {
				route = unmatchedRoute
			}
			if err != nil {
				// Let the error handler set the final status before it is read.
				c.Error(err)
				err = nil
			}

			p.httpActive.Dec()
			p.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
