// Package metrics exposes Prometheus instruments for ingestion and file
// generation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "methodprof"

// Generation results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Published file sections.
const (
	SectionInvoked      = "invoked"
	SectionNeverInvoked = "never_invoked"
)

// Window kinds.
const (
	KindData   = "data"
	KindNoData = "no_data"
)

// Metrics holds all instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	generateTotal    *prometheus.CounterVec
	generateDuration prometheus.Histogram
	methodsPublished *prometheus.GaugeVec
	windowsIngested  *prometheus.CounterVec
	ingestErrors     prometheus.Counter
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		generateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generate_total",
				Help:      "Profiling file generation passes by result.",
			},
			[]string{"result"},
		),
		generateDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generate_duration_seconds",
				Help:      "Wall-clock time of a generation pass.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		methodsPublished: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "methods_published",
				Help:      "Methods written by the last successful pass, by section.",
			},
			[]string{"section"},
		),
		windowsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "windows_ingested_total",
				Help:      "Percentile windows recorded into the aggregate store.",
			},
			[]string{"kind"},
		),
		ingestErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_errors_total",
				Help:      "Window records that could not be decoded.",
			},
		),
	}
}

// ObserveGenerate records the outcome of one generation pass.
func (m *Metrics) ObserveGenerate(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.generateTotal.WithLabelValues(result).Inc()
	m.generateDuration.Observe(elapsed.Seconds())
}

// SetPublished records how many methods the last published file contains.
func (m *Metrics) SetPublished(invoked, neverInvoked int) {
	if m == nil {
		return
	}
	m.methodsPublished.WithLabelValues(SectionInvoked).Set(float64(invoked))
	m.methodsPublished.WithLabelValues(SectionNeverInvoked).Set(float64(neverInvoked))
}

// IncWindow counts one ingested window.
func (m *Metrics) IncWindow(noData bool) {
	if m == nil {
		return
	}
	kind := KindData
	if noData {
		kind = KindNoData
	}
	m.windowsIngested.WithLabelValues(kind).Inc()
}

// IncIngestError counts one undecodable window record.
func (m *Metrics) IncIngestError() {
	if m == nil {
		return
	}
	m.ingestErrors.Inc()
}
