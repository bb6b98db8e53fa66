package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gateway metric on a private registry. One instance is
// constructed per process and handed to each component at construction time.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest metrics
	ObjectsReceived *prometheus.CounterVec
	BytesReceived   prometheus.Counter
	ReceiveDuration prometheus.Histogram
	StorageDuration prometheus.Histogram

	// Catalog metrics
	InstancesCataloged prometheus.Counter
	CatalogErrors      prometheus.Counter

	// Forward metrics
	InstancesForwarded *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	ForwardDuration    *prometheus.HistogramVec

	// Queue metrics
	JobsProcessed *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	StaleReclaims prometheus.Counter

	// Worker metrics
	WorkersRunning *prometheus.GaugeVec
	ScaleEvents    *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ObjectsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomgw_objects_received_total",
				Help: "Total number of composite objects received by status",
			},
			[]string{"status"},
		),

		BytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomgw_bytes_received_total",
				Help: "Total bytes received over storage associations",
			},
		),

		ReceiveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dicomgw_receive_duration_seconds",
				Help:    "Time to receive one object over the wire in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		StorageDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dicomgw_storage_duration_seconds",
				Help:    "Time to durably write one object to disk in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		InstancesCataloged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomgw_instances_cataloged_total",
				Help: "Total number of instances upserted into the catalog",
			},
		),

		CatalogErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomgw_catalog_errors_total",
				Help: "Total number of catalog write or parse failures",
			},
		),

		InstancesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomgw_instances_forwarded_total",
				Help: "Total number of instances forwarded by destination and status",
			},
			[]string{"destination", "status"},
		),

		BytesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomgw_bytes_forwarded_total",
				Help: "Total bytes sent to destinations",
			},
			[]string{"destination"},
		),

		ForwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dicomgw_forward_duration_seconds",
				Help:    "Time to forward one study to one destination in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"destination"},
		),

		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomgw_jobs_processed_total",
				Help: "Total number of queue jobs processed by type and outcome",
			},
			[]string{"job_type", "outcome"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dicomgw_queue_depth",
				Help: "Current number of jobs by queue and status",
			},
			[]string{"queue", "status"},
		),

		StaleReclaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dicomgw_stale_reclaims_total",
				Help: "Total number of processing jobs reclaimed by the stale sweep",
			},
		),

		WorkersRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dicomgw_workers_running",
				Help: "Current number of running workers by type",
			},
			[]string{"worker_type"},
		),

		ScaleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dicomgw_scale_events_total",
				Help: "Total number of autoscaler actions by worker type and direction",
			},
			[]string{"worker_type", "direction"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ObjectsReceived,
		m.BytesReceived,
		m.ReceiveDuration,
		m.StorageDuration,
		m.InstancesCataloged,
		m.CatalogErrors,
		m.InstancesForwarded,
		m.BytesForwarded,
		m.ForwardDuration,
		m.JobsProcessed,
		m.QueueDepth,
		m.StaleReclaims,
		m.WorkersRunning,
		m.ScaleEvents,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
