package main

import (
    "bufio"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "shipsync/internal/api"
    "shipsync/internal/config"
    "shipsync/internal/metrics"
    "shipsync/internal/scheduler"
)

func main() {
    cfg, err := config.FromEnv()
    if err != nil {
        log.Fatalf("failed to load config: %v", err)
    }
    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }

    mux := http.NewServeMux()

    // Order-source ingress; /created and /updated route to the same
    // idempotent handler
    mux.HandleFunc("/v1/webhooks/orders", srvDeps.OrderWebhookHandler)
    mux.HandleFunc("/v1/webhooks/orders/", srvDeps.OrderWebhookHandler)

    // Sync triggers
    mux.HandleFunc("/v1/sync/run", srvDeps.SyncRunHandler)
    mux.HandleFunc("/v1/sync/status-run", srvDeps.StatusRunHandler)
    mux.HandleFunc("/v1/sync/orders/", srvDeps.SyncOrderHandler)

    // Orders with derived sync state, per-order state, labels, cancel
    mux.HandleFunc("/v1/orders", srvDeps.OrdersListHandler)
    mux.HandleFunc("/v1/orders/", srvDeps.OrdersHandler) // /sync, /label, /cancel

    // Sync log
    mux.HandleFunc("/v1/sync-logs", srvDeps.SyncLogsHandler)

    // Outbound webhook subscriptions
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

    // Live event streams
    mux.HandleFunc("/v1/events/stream", srvDeps.EventsStreamHandler)
    mux.HandleFunc("/v1/events/ws", srvDeps.EventsWSHandler)

    // Health and metrics
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.Handle("/metrics", srvDeps.MetricsHandler())

    // Admin
    mux.HandleFunc("/v1/admin/settings", srvDeps.SettingsHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)

    srv := &http.Server{
        Addr:              cfg.ListenAddr,
        Handler:           logMiddleware(mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s", cfg.ListenAddr)
    // Start background workers
    srvDeps.NewWebhookWorker().Start()
    scheduler.New(srvDeps.Engine, srvDeps.Store, srvDeps.Config).Start()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

type statusRecorder struct {
    http.ResponseWriter
    code int
}

func (r *statusRecorder) WriteHeader(c int) {
    r.code = c
    r.ResponseWriter.WriteHeader(c)
}

// Flush and Hijack pass through so SSE and websocket upgrades keep working
// behind the middleware.
func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, http.ErrNotSupported
    }
    return h.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        status := strconv.Itoa(rec.code)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
        log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.code, dur)
    })
}
