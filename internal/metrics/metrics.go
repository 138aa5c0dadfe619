package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // SyncAttempts counts single-order sync outcomes
    SyncAttempts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "sync_attempts_total", Help: "Order sync attempts by outcome."},
        []string{"outcome"},
    )
    // StatusUpdates counts reconciliation outcomes by carrier status
    StatusUpdates = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "status_updates_total", Help: "Consignment status reconciliations by carrier status and outcome."},
        []string{"carrier_status", "outcome"},
    )
    // CarrierLatency tracks carrier API call latencies in seconds
    CarrierLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "carrier_request_duration_seconds", Help: "Carrier API request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"operation"},
    )
    // SourceLatency tracks order-source API call latencies in seconds
    SourceLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "source_request_duration_seconds", Help: "Order-source API request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"operation"},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func() {
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(SyncAttempts)
        Registry.MustRegister(StatusUpdates)
        Registry.MustRegister(CarrierLatency)
        Registry.MustRegister(SourceLatency)
        Registry.MustRegister(WebhookDeliveries)
        Registry.MustRegister(WebhookLatency)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
