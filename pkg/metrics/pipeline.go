package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics tracks upload intake, line outcomes and queue health.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	uploadsTotal      *prometheus.CounterVec
	linesTotal        *prometheus.CounterVec
	processingSeconds prometheus.Histogram
	dlqTotal          prometheus.Counter
	recoveryRequeued  prometheus.Counter
}

// NewPipelineMetrics creates the pipeline collectors.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPipelineMetrics() *PipelineMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &PipelineMetrics{
		uploadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnabflow_uploads_total",
				Help: "Total number of upload intakes by outcome status",
			},
			[]string{"status"}, // "accepted", "success", "duplicate", "rejected"
		),
		linesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnabflow_lines_total",
				Help: "Total number of processed CNAB lines by outcome",
			},
			[]string{"outcome"}, // "processed", "failed", "skipped"
		),
		processingSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cnabflow_processing_seconds",
				Help:    "Wall-clock duration of one upload processing attempt",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		dlqTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cnabflow_dlq_total",
				Help: "Total number of uploads dead-lettered",
			},
		),
		recoveryRequeued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cnabflow_recovery_requeued_total",
				Help: "Total number of stuck uploads re-enqueued by recovery",
			},
		),
	}
}

// RecordUpload records one upload intake outcome.
func (m *PipelineMetrics) RecordUpload(status string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(status).Inc()
}

// RecordLines records a batch of line outcomes.
func (m *PipelineMetrics) RecordLines(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.linesTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveProcessing records the duration of one processing attempt.
func (m *PipelineMetrics) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.processingSeconds.Observe(d.Seconds())
}

// RecordDeadLetter records one upload sent to the DLQ.
func (m *PipelineMetrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.dlqTotal.Inc()
}

// RecordRecoveryRequeue records one stuck upload re-enqueued.
func (m *PipelineMetrics) RecordRecoveryRequeue() {
	if m == nil {
		return
	}
	m.recoveryRequeued.Inc()
}
