package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
)

const namespace = "toll_pipeline"

// Metrics holds the pipeline collectors. Each process creates its own set
// against its own registry.
type Metrics struct {
	registry *prometheus.Registry

	FramesCaptured       prometheus.Counter
	CaptureFailures      *prometheus.CounterVec
	PollCycleDuration    prometheus.Histogram
	TasksPublished       *prometheus.CounterVec
	Deliveries           *prometheus.CounterVec
	RedeliveriesObserved *prometheus.CounterVec
	Detections           *prometheus.CounterVec
	DetectorFailures     prometheus.Counter
	ImageWriteFailures   prometheus.Counter
	Recordings           *prometheus.CounterVec
	RecordingsActive     prometheus.Gauge
	Transactions         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames captured and published by the poller.",
		}),
		CaptureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Camera open/read failures.",
		}, []string{"camera_id"}),
		PollCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall-clock duration of one polling cycle.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		TasksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_published_total",
			Help:      "Tasks published per queue.",
		}, []string{"queue"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Settled delivery attempts per queue and outcome.",
		}, []string{"queue", "outcome"}),
		RedeliveriesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeliveries_observed_total",
			Help:      "Deliveries of a task key already seen by the ledger.",
		}, []string{"queue"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Best detections per vehicle type.",
		}, []string{"vehicle_type"}),
		DetectorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Detector invocations that failed and were treated as zero detections.",
		}),
		ImageWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_write_failures_total",
			Help:      "Frames that could not be written to the image store.",
		}),
		Recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording requests per outcome.",
		}, []string{"outcome"}),
		RecordingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recordings",
			Help:      "Lanes with a pending or running recording.",
		}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transaction upserts per outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.FramesCaptured,
		m.CaptureFailures,
		m.PollCycleDuration,
		m.TasksPublished,
		m.Deliveries,
		m.RedeliveriesObserved,
		m.Detections,
		m.DetectorFailures,
		m.ImageWriteFailures,
		m.Recordings,
		m.RecordingsActive,
		m.Transactions,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome is a taskchannel.OutcomeFunc
func (m *Metrics) ObserveOutcome(queue string, outcome taskchannel.Outcome) {
	m.Deliveries.WithLabelValues(queue, string(outcome)).Inc()
}

// RecordingEvent counts a recording request outcome
func (m *Metrics) RecordingEvent(outcome string) {
	m.Recordings.WithLabelValues(outcome).Inc()
}

// ActiveRecordings sets the number of busy lanes
func (m *Metrics) ActiveRecordings(n int) {
	m.RecordingsActive.Set(float64(n))
}
