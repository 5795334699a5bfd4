package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the processing pipeline.
type Metrics struct {
	AlertsTotal     *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	LeaseBatchSize  prometheus.Histogram
	MeanConfidence  prometheus.Histogram
	ReviewNotices   prometheus.Counter
	Duplicates      prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alphapipe_alerts_processed_total",
			Help: "Total alerts taken off the intake queue by outcome.",
		}, []string{"outcome"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alphapipe_alert_process_duration_seconds",
			Help:    "Wall time per alert through normalize, score and escalate.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~204s
		}, []string{"outcome"}),
		LeaseBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alphapipe_lease_batch_size",
			Help:    "Records claimed per lease call.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0 .. 50
		}),
		MeanConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alphapipe_normalize_mean_confidence",
			Help:    "Mean mapping confidence per normalized alert.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 .. 1.0
		}),
		ReviewNotices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alphapipe_review_notifications_total",
			Help: "Total needs-human-review notifications sent.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alphapipe_duplicate_alerts_total",
			Help: "Total alerts suppressed by escalation dedup.",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.ProcessDuration,
		m.LeaseBatchSize,
		m.MeanConfidence,
		m.ReviewNotices,
		m.Duplicates,
	)

	return m
}

func (m *Metrics) observeOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(outcome).Inc()
	m.ProcessDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) observeBatch(n int) {
	if m == nil {
		return
	}
	m.LeaseBatchSize.Observe(float64(n))
}

func (m *Metrics) observeRecord(meanConfidence float64, reviewed, duplicate bool) {
	if m == nil {
		return
	}
	m.MeanConfidence.Observe(meanConfidence)
	if reviewed {
		m.ReviewNotices.Inc()
	}
	if duplicate {
		m.Duplicates.Inc()
	}
}
