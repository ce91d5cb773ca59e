// Package metrics provides Prometheus instrumentation for the vizbench
// service.
//
// Metrics exposed:
//   - vizbench_fetch_seconds: Histogram of backend fetch latency by instance and outcome
//   - vizbench_rendering_seconds: Histogram of chart rendering latency by instance
//   - vizbench_operation_seconds: Histogram of full operation duration
//   - vizbench_fetch_cancellations_total: Counter of cancelled or superseded fetches
//   - vizbench_errors_total: Counter of failed fetches by instance
//   - vizbench_history_entries: Gauge of entries in the query history
//   - vizbench_ssim_score: Gauge of the latest SSIM per instance and measure index
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/vizbench/pkg/orchestrator"
)

// Metrics implements orchestrator.Metrics.
type Metrics struct {
	FetchSeconds       *prometheus.HistogramVec
	RenderingSeconds   *prometheus.HistogramVec
	OperationSeconds   prometheus.Histogram
	CancellationsTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	HistoryEntries     prometheus.Gauge
	SSIMScore          *prometheus.GaugeVec
}

var _ orchestrator.Metrics = (*Metrics)(nil)

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// New creates the metrics and registers them with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer, datasource string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"datasource": datasource}

	return &Metrics{
		FetchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "vizbench_fetch_seconds",
			Help:        "Backend fetch latency per method instance",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}, []string{"instance", "outcome"}),

		RenderingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "vizbench_rendering_seconds",
			Help:        "Chart rendering latency per method instance",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"instance"}),

		OperationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "vizbench_operation_seconds",
			Help:        "Duration of a full operation across all selected instances",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}),

		CancellationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "vizbench_fetch_cancellations_total",
			Help:        "Fetches cancelled or superseded before they committed",
			ConstLabels: labels,
		}, []string{"instance"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "vizbench_errors_total",
			Help:        "Failed fetches per method instance",
			ConstLabels: labels,
		}, []string{"instance"}),

		HistoryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "vizbench_history_entries",
			Help:        "Entries in the query history",
			ConstLabels: labels,
		}),

		SSIMScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "vizbench_ssim_score",
			Help:        "Latest SSIM of an instance against the reference, per measure index",
			ConstLabels: labels,
		}, []string{"instance", "measure_index"}),
	}
}

// RecordFetch observes a fetch. Cancelled and failed fetches also bump their
// counters.
func (m *Metrics) RecordFetch(instanceID, outcome string, d time.Duration) {
	m.FetchSeconds.WithLabelValues(instanceID, outcome).Observe(d.Seconds())
	switch outcome {
	case "cancelled":
		m.CancellationsTotal.WithLabelValues(instanceID).Inc()
	case "error":
		m.ErrorsTotal.WithLabelValues(instanceID).Inc()
	}
}

func (m *Metrics) RecordRendering(instanceID string, d time.Duration) {
	m.RenderingSeconds.WithLabelValues(instanceID).Observe(d.Seconds())
}

func (m *Metrics) RecordOperation(d time.Duration, failed int) {
	m.OperationSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordScore(instanceID string, measureIndex int, v float64) {
	m.SSIMScore.WithLabelValues(instanceID, strconv.Itoa(measureIndex)).Set(v)
}

func (m *Metrics) SetHistorySize(n int) {
	m.HistoryEntries.Set(float64(n))
}
