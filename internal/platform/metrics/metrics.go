// Package metrics holds the Prometheus collectors for instrument ingestion.
package metrics

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lab"

// Ingest contains the ingestion pipeline metrics. All Record methods are safe
// to call on a nil *Ingest, which disables metrics.
type Ingest struct {
	FramesReceived       *prometheus.CounterVec
	FramingErrors        *prometheus.CounterVec
	ConnectionsActive    *prometheus.GaugeVec
	ResultsStored        *prometheus.CounterVec
	DuplicateSamples     *prometheus.CounterVec
	DegradedMeasurements *prometheus.CounterVec
	PipelineDuration     *prometheus.HistogramVec
	EventsPublished      *prometheus.CounterVec
}

// NewIngest creates the ingestion collectors. They still need Register.
func NewIngest() *Ingest {
	return &Ingest{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "frames_received_total",
				Help:      "Complete device messages received",
			},
			[]string{"instrument", "transport"},
		),
		FramingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "framing_errors_total",
				Help:      "Connections closed because the buffer limit was exceeded",
			},
			[]string{"instrument"},
		),
		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "connections_active",
				Help:      "Open analyzer socket connections",
			},
			[]string{"instrument"},
		),
		ResultsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "results",
				Name:      "stored_total",
				Help:      "Instrument results persisted, by processing status",
			},
			[]string{"instrument", "status"},
		),
		DuplicateSamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "results",
				Name:      "duplicate_samples_total",
				Help:      "Ingestions rejected because the sample number already exists",
			},
			[]string{"instrument"},
		),
		DegradedMeasurements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "results",
				Name:      "degraded_measurements_total",
				Help:      "Measurements stored with UNKNOWN status because a field could not be interpreted",
			},
			[]string{"instrument"},
		),
		PipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "pipeline_duration_seconds",
				Help:      "Time from framed message to persisted result",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"instrument"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Result events handed to publishers",
			},
			[]string{"type"},
		),
	}
}

// Register adds every collector to reg.
func (m *Ingest) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.FramesReceived, m.FramingErrors, m.ConnectionsActive, m.ResultsStored,
		m.DuplicateSamples, m.DegradedMeasurements, m.PipelineDuration, m.EventsPublished,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordFrame counts one complete message received on a transport.
func (m *Ingest) RecordFrame(instrument, transport string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(instrument, transport).Inc()
}

// RecordFramingError counts a connection dropped for exceeding the buffer.
func (m *Ingest) RecordFramingError(instrument string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(instrument).Inc()
}

// ConnectionOpened / ConnectionClosed track live socket connections.
func (m *Ingest) ConnectionOpened(instrument string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(instrument).Inc()
}

func (m *Ingest) ConnectionClosed(instrument string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(instrument).Dec()
}

// RecordStored counts a persisted result by processing status.
func (m *Ingest) RecordStored(instrument, status string) {
	if m == nil {
		return
	}
	m.ResultsStored.WithLabelValues(instrument, status).Inc()
}

func (m *Ingest) RecordDuplicate(instrument string) {
	if m == nil {
		return
	}
	m.DuplicateSamples.WithLabelValues(instrument).Inc()
}

func (m *Ingest) RecordDegraded(instrument string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DegradedMeasurements.WithLabelValues(instrument).Add(float64(n))
}

func (m *Ingest) ObservePipeline(instrument string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(instrument).Observe(d.Seconds())
}

func (m *Ingest) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// Handler exposes g in the Prometheus text format as an echo handler.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
