package wadors

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors qidors' Prometheus wiring (OtchereDev-ris-dicom-connector's
// cmd/server/main.go mounts the same promhttp handler over its own counters)
// with WADO-appropriate labels: served entities and bytes transferred rather
// than result counts.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesServed     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wadors_requests_total",
			Help: "WADO-RS requests by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wadors_request_duration_seconds",
			Help:    "WADO-RS request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		bytesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wadors_bytes_served_total",
			Help: "Bytes written to WADO-RS response bodies, by endpoint.",
		}, []string{"endpoint"}),
	}
}

func (m *metrics) observe(endpoint, status string, bytesWritten int, start time.Time) {
	m.requestsTotal.WithLabelValues(endpoint, status).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if bytesWritten > 0 {
		m.bytesServed.WithLabelValues(endpoint).Add(float64(bytesWritten))
	}
}
