// Package metrics provides the Prometheus collectors for hostrunnerd,
// modeled on infrastructure/metrics's grouped-collector style but scoped
// to this runtime's own domain (catalog scans, instances, tasks) instead
// of blockchain/database metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector exposed on GET /metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	InstancesRunning prometheus.Gauge
	InstancesTotal   *prometheus.CounterVec

	DriverTasksTotal   *prometheus.CounterVec
	CatalogScansTotal  *prometheus.CounterVec
	ScheduleTriggers   *prometheus.CounterVec
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers every collector against registerer.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostrunner_http_requests_total",
				Help: "Total number of HTTP requests served by the control plane.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostrunner_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		InstancesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostrunner_instances_running",
			Help: "Number of currently running service instances.",
		}),
		InstancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostrunner_instances_total",
				Help: "Total instances launched, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		),
		DriverTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostrunner_driver_tasks_total",
				Help: "Total driver requests sent, labeled by terminal status.",
			},
			[]string{"status"},
		),
		CatalogScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostrunner_catalog_scans_total",
				Help: "Total catalog scans performed, labeled by catalog kind.",
			},
			[]string{"catalog"},
		),
		ScheduleTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostrunner_schedule_triggers_total",
				Help: "Total schedule-triggered launches, labeled by project kind.",
			},
			[]string{"kind"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesRunning,
		m.InstancesTotal,
		m.DriverTasksTotal,
		m.CatalogScansTotal,
		m.ScheduleTriggers,
	)
	return m
}
