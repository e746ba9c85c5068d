package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securestore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "securestore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securestore",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Storage requests sent by client sessions.",
		},
		[]string{"port", "cmd", "result", "finalize"},
	)
	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "securestore",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Storage request round trip in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port", "cmd"},
	)
	clientTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securestore",
			Subsystem: "client",
			Name:      "transactions_total",
			Help:      "Client transactions by outcome.",
		},
		[]string{"port", "outcome"},
	)
	serviceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securestore",
			Subsystem: "service",
			Name:      "requests_total",
			Help:      "Storage requests handled by the service.",
		},
		[]string{"port", "cmd", "result"},
	)
	serviceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "securestore",
			Subsystem: "service",
			Name:      "request_duration_seconds",
			Help:      "Storage request handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port", "cmd"},
	)
	serviceCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securestore",
			Subsystem: "service",
			Name:      "finalize_total",
			Help:      "Staged batches resolved by the service.",
		},
		[]string{"port", "outcome"},
	)
	serviceConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "securestore",
			Subsystem: "service",
			Name:      "connections",
			Help:      "Open client connections per port.",
		},
		[]string{"port"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			clientRequests,
			clientDuration,
			clientTransactions,
			serviceRequests,
			serviceDuration,
			serviceCommits,
			serviceConnections,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordClientRequest(port, cmd, result string, finalize bool, duration time.Duration) {
	RegisterMetrics()
	clientRequests.WithLabelValues(port, cmd, result, strconv.FormatBool(finalize)).Inc()
	clientDuration.WithLabelValues(port, cmd).Observe(duration.Seconds())
}

// RecordClientTransaction counts a finished transaction: committed,
// discarded, conflict, failed or lost.
func RecordClientTransaction(port, outcome string) {
	RegisterMetrics()
	clientTransactions.WithLabelValues(port, outcome).Inc()
}

func RecordServiceRequest(port, cmd, result string, duration time.Duration) {
	RegisterMetrics()
	serviceRequests.WithLabelValues(port, cmd, result).Inc()
	serviceDuration.WithLabelValues(port, cmd).Observe(duration.Seconds())
}

func RecordServiceFinalize(port, outcome string) {
	RegisterMetrics()
	serviceCommits.WithLabelValues(port, outcome).Inc()
}

func AddServiceConnection(port string, delta float64) {
	RegisterMetrics()
	serviceConnections.WithLabelValues(port).Add(delta)
}
