// Package metrics exposes pipeline and actuator counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Faffstifu/wake-o-matic/internal/action"
	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

const namespace = "wakeomatic"

// Metrics holds all application metrics on a private registry
type Metrics struct {
	FramesCaptured      prometheus.Counter
	FramesDropped       prometheus.Counter
	EmptyReads          prometheus.Counter
	Classifications     *prometheus.CounterVec
	ObservationsDropped prometheus.Counter
	DetectorErrors      prometheus.Counter
	DetectionTimeouts   prometheus.Counter
	StatusTransitions   *prometheus.CounterVec
	ActuatorCalls       *prometheus.CounterVec
	ActuatorErrors      *prometheus.CounterVec
	QueueDepthGauge     *prometheus.GaugeVec

	// Current aggregated status, read by a GaugeFunc
	status atomic.Int64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames read from the camera",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded because the frame queue was full",
		}),
		EmptyReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_reads_total",
			Help:      "Camera reads that returned no frame",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Frames classified, by class",
		}, []string{"class"}),
		ObservationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_dropped_total",
			Help:      "Observations discarded because the status channel was full",
		}),
		DetectorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Frames the detector failed to classify",
		}),
		DetectionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_timeouts_total",
			Help:      "Aggregation cycles without any classification",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Sleep status transitions, by new status",
		}, []string{"status"}),
		ActuatorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_invocations_total",
			Help:      "Actuator invocations, by action",
		}, []string{"action"}),
		ActuatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actuator_errors_total",
			Help:      "Failed actuator invocations, by action",
		}, []string{"action"}),
		QueueDepthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries waiting in a pipeline queue",
		}, []string{"queue"}),
	}
	m.status.Store(int64(pipeline.NoFace))
	m.registry = prometheus.NewRegistry()

	m.registry.MustRegister(
		m.FramesCaptured,
		m.FramesDropped,
		m.EmptyReads,
		m.Classifications,
		m.ObservationsDropped,
		m.DetectorErrors,
		m.DetectionTimeouts,
		m.StatusTransitions,
		m.ActuatorCalls,
		m.ActuatorErrors,
		m.QueueDepthGauge,
	)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sleep_status",
			Help:      "Current sleep status (-1 no face, 0 asleep, 1 awake)",
		},
		func() float64 { return float64(m.status.Load()) },
	))

	return m
}

var (
	_ pipeline.Recorder = (*Metrics)(nil)
	_ action.Recorder   = (*Metrics)(nil)
)

// FrameCaptured counts a frame read from the camera
func (m *Metrics) FrameCaptured() { m.FramesCaptured.Inc() }

// FrameDropped counts a frame lost to queue overflow
func (m *Metrics) FrameDropped() { m.FramesDropped.Inc() }

// EmptyRead counts a read without a frame
func (m *Metrics) EmptyRead() { m.EmptyReads.Inc() }

// Classified counts a classification
func (m *Metrics) Classified(class pipeline.Classification) {
	m.Classifications.WithLabelValues(class.String()).Inc()
}

// StatusDropped counts an observation lost to queue overflow
func (m *Metrics) StatusDropped() { m.ObservationsDropped.Inc() }

// DetectorError counts a failed classification
func (m *Metrics) DetectorError() { m.DetectorErrors.Inc() }

// DetectionTimeout counts a cycle without observations
func (m *Metrics) DetectionTimeout() { m.DetectionTimeouts.Inc() }

// StatusChanged counts a transition and updates the status gauge
func (m *Metrics) StatusChanged(status pipeline.SleepStatus) {
	m.status.Store(int64(status))
	m.StatusTransitions.WithLabelValues(status.String()).Inc()
}

// QueueDepth sets the depth of a queue
func (m *Metrics) QueueDepth(queue string, depth int) {
	m.QueueDepthGauge.WithLabelValues(queue).Set(float64(depth))
}

// ActuatorInvoked counts an actuator call
func (m *Metrics) ActuatorInvoked(state string) {
	m.ActuatorCalls.WithLabelValues(state).Inc()
}

// ActuatorFailed counts a failed actuator call
func (m *Metrics) ActuatorFailed(state string) {
	m.ActuatorErrors.WithLabelValues(state).Inc()
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
