package qidors

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered once per Router instance against its own registry
// so multiple Routers (e.g. in tests) never collide on metric names.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	resultsReturned *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qidors_requests_total",
			Help: "QIDO-RS requests by level and status.",
		}, []string{"level", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qidors_request_duration_seconds",
			Help:    "QIDO-RS request latency by level.",
			Buckets: prometheus.DefBuckets,
		}, []string{"level"}),
		resultsReturned: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qidors_results_returned",
			Help:    "Number of DICOM JSON result objects returned per request.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
		}, []string{"level"}),
	}
}

func (m *metrics) observe(level string, status string, n int, start time.Time) {
	m.requestsTotal.WithLabelValues(level, status).Inc()
	m.requestDuration.WithLabelValues(level).Observe(time.Since(start).Seconds())
	m.resultsReturned.WithLabelValues(level).Observe(float64(n))
}
