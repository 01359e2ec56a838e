package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests written to the application server.",
		},
	)
	requestsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "client",
			Name:      "requests_completed_total",
			Help:      "Requests resolved by an END_REQUEST record.",
		},
		[]string{"proto_status"},
	)
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fastcgi",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from request write to END_REQUEST.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	recordsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "client",
			Name:      "records_read_total",
			Help:      "Inbound records by record type.",
		},
		[]string{"type"},
	)
	waitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "client",
			Name:      "wait_timeouts_total",
			Help:      "Bounded waits that elapsed without resolving.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requestsIssued, requestsCompleted, requestDuration, recordsRead, waitTimeouts)
	})
}

func RecordRequestIssued() {
	RegisterMetrics()
	requestsIssued.Inc()
}

func RecordRequestCompleted(protoStatus string, duration time.Duration) {
	RegisterMetrics()
	requestsCompleted.WithLabelValues(protoStatus).Inc()
	requestDuration.Observe(duration.Seconds())
}

func RecordRecordRead(recType string) {
	RegisterMetrics()
	recordsRead.WithLabelValues(recType).Inc()
}

func RecordWaitTimeout() {
	RegisterMetrics()
	waitTimeouts.Inc()
}
