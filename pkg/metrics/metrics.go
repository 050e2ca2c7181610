// Package metrics provides the Prometheus metrics of the labeling pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeApplied   = "applied"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Metrics contains all Prometheus metrics related to labeling a batch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	classificationsTotal  *prometheus.CounterVec
	classificationSeconds *prometheus.HistogramVec
	recordsTotal          *prometheus.CounterVec
	modelLoadsTotal       *prometheus.CounterVec
	uncoveredLabelsTotal  *prometheus.CounterVec
	batchSize             prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with registry.
// It returns an error if metric registration fails.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register labeler metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.classificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_labeler_classifications_total",
		Help: "Total number of classifier calls by category and outcome.",
	}, []string{"category", "outcome"})

	m.classificationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "image_labeler_classification_duration_seconds",
		Help:    "Duration of classifier calls in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"category"})

	m.recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_labeler_records_total",
		Help: "Total number of record classification passes by outcome.",
	}, []string{"outcome"})

	m.modelLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_labeler_model_loads_total",
		Help: "Total number of model load attempts by status.",
	}, []string{"status"})

	m.uncoveredLabelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_labeler_uncovered_labels_total",
		Help: "Total number of predicted labels missing from the taxonomy.",
	}, []string{"category"})

	m.batchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "image_labeler_batch_size",
		Help: "Current number of records in the batch.",
	})
}

// ObserveClassification records one classifier call
func (m *Metrics) ObserveClassification(category string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.classificationsTotal.WithLabelValues(category, outcome).Inc()
	m.classificationSeconds.WithLabelValues(category).Observe(d.Seconds())
}

// RecordOutcome counts a finished record pass (applied, failed or discarded)
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(outcome).Inc()
}

// RecordModelLoad counts a model load attempt
func (m *Metrics) RecordModelLoad(status string) {
	if m == nil {
		return
	}
	m.modelLoadsTotal.WithLabelValues(status).Inc()
}

// RecordUncovered counts a label the taxonomy does not know
func (m *Metrics) RecordUncovered(category string) {
	if m == nil {
		return
	}
	m.uncoveredLabelsTotal.WithLabelValues(category).Inc()
}

// SetBatchSize updates the batch size gauge
func (m *Metrics) SetBatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.classificationsTotal.Describe(ch)
	m.classificationSeconds.Describe(ch)
	m.recordsTotal.Describe(ch)
	m.modelLoadsTotal.Describe(ch)
	m.uncoveredLabelsTotal.Describe(ch)
	ch <- m.batchSize.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.classificationsTotal.Collect(ch)
	m.classificationSeconds.Collect(ch)
	m.recordsTotal.Collect(ch)
	m.modelLoadsTotal.Collect(ch)
	m.uncoveredLabelsTotal.Collect(ch)
	ch <- m.batchSize
}
