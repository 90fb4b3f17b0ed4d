package cachingproxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "caching_proxy"

// Metrics holds the Prometheus collectors for the proxy.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	OriginDuration prometheus.Histogram
	OriginErrors   prometheus.Counter
	StoreErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by cache status and response status code.",
		}, []string{"cache", "status"}),

		OriginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "origin_duration_seconds",
			Help:      "Duration of origin fetches in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		OriginErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "origin_errors_total",
			Help:      "Total origin fetches that failed without a response.",
		}),

		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Total cache store failures by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.OriginDuration,
		m.OriginErrors,
		m.StoreErrors,
	)
	return m
}

func (m *Metrics) observeRequest(cs CacheStatus, statusCode int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(cs.String(), strconv.Itoa(statusCode)).Inc()
}

func (m *Metrics) observeOrigin(start time.Time, err error) {
	if m == nil {
		return
	}
	m.OriginDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.OriginErrors.Inc()
	}
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
