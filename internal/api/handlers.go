package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "shipsync/internal/buildinfo"
    "shipsync/internal/config"
    "shipsync/internal/metrics"
    "shipsync/internal/model"
    "shipsync/internal/store"
    syncengine "shipsync/internal/sync"
    "shipsync/internal/webhooks"
)

// OrderWebhookHandler handles POST /v1/webhooks/orders: the order source
// pushes created/updated orders here. The body is HMAC-signed with the
// shared webhook secret.
func (s *Server) OrderWebhookHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    body, err := io.ReadAll(r.Body)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Read body failed", err.Error(), r.URL.Path)
        return
    }
    cfg := s.Config.Snapshot()
    if cfg.SourceWebhookSecret != "" {
        sig := r.Header.Get("X-Signature")
        if sig == "" || !webhooks.VerifyHMAC(cfg.SourceWebhookSecret, body, sig) {
            writeProblem(w, http.StatusUnauthorized, "Invalid signature", "", r.URL.Path)
            return
        }
    }
    var req struct {
        Order model.Order `json:"order"`
    }
    if err := json.Unmarshal(body, &req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    order := req.Order
    if order.ID == "" {
        // some sources post the order unwrapped
        if err := json.Unmarshal(body, &order); err != nil || order.ID == "" {
            writeProblem(w, http.StatusBadRequest, "Missing order", "order id required", r.URL.Path)
            return
        }
    }
    res, err := s.Engine.SyncOrder(r.Context(), order)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Sync failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusAccepted, res)
}

// SyncRunHandler handles POST /v1/sync/run: a bounded batch sync of open
// orders, the same operation the scheduler runs.
func (s *Server) SyncRunHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    if !p.CanOperate() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
    var opts model.SyncOptions
    if r.Body != nil {
        _ = json.NewDecoder(r.Body).Decode(&opts)
    }
    res, err := s.Engine.SyncPendingOrders(r.Context(), opts)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Batch sync failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// StatusRunHandler handles POST /v1/sync/status-run: one reconciliation
// pass over all non-terminal consignments.
func (s *Server) StatusRunHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    if !p.CanOperate() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
    res, err := s.Engine.UpdateConsignmentStatuses(r.Context())
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Status reconciliation failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// SyncOrderHandler handles POST /v1/sync/orders/{id}: fetch one order from
// the source and sync it.
func (s *Server) SyncOrderHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    if !p.CanOperate() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/sync/orders/")
    if id == "" || strings.Contains(id, "/") {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing order id", r.URL.Path)
        return
    }
    order, err := s.Source.GetOrder(r.Context(), id)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Fetch order failed", err.Error(), r.URL.Path)
        return
    }
    res, err := s.Engine.SyncOrder(r.Context(), order)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Sync failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, res)
}

// OrdersListHandler handles GET /v1/orders: source orders annotated with
// their derived sync state.
func (s *Server) OrdersListHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    f := model.OrderFilters{Status: r.URL.Query().Get("status"), Limit: 50}
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &f.Limit) }
    orders, err := s.Source.GetAllOrders(r.Context(), f)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "List orders failed", err.Error(), r.URL.Path)
        return
    }
    items := make([]map[string]any, 0, len(orders))
    for _, o := range orders {
        a, err := s.Store.GetAssociation(r.Context(), o.ID)
        hasAssoc := err == nil
        st, consignmentID := syncengine.DeriveState(a, hasAssoc, o.Note)
        item := map[string]any{
            "id": o.ID, "name": o.Name,
            "financialStatus": o.FinancialStatus,
            "syncState":       st.String(),
        }
        if consignmentID != "" { item["consignmentId"] = consignmentID }
        if hasAssoc { item["status"] = a.Status }
        items = append(items, item)
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// OrdersHandler dispatches /v1/orders/{id}/sync, /v1/orders/{id}/label,
// and /v1/orders/{id}/cancel.
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing order id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    if len(parts) != 2 {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    id, action := parts[0], parts[1]
    switch action {
    case "sync":
        s.orderSync(w, r, id)
    case "label":
        s.orderLabel(w, r, id)
    case "cancel":
        s.orderCancel(w, r, id)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

func (s *Server) orderSync(w http.ResponseWriter, r *http.Request, id string) {
    switch r.Method {
    case http.MethodGet:
        a, err := s.Store.GetAssociation(r.Context(), id)
        hasAssoc := err == nil
        if err != nil && !errors.Is(err, store.ErrNotFound) {
            writeProblem(w, 500, "Lookup failed", err.Error(), r.URL.Path)
            return
        }
        note := ""
        if !hasAssoc {
            // note token fallback for pre-association installs
            if order, err := s.Source.GetOrder(r.Context(), id); err == nil { note = order.Note }
        }
        st, consignmentID := syncengine.DeriveState(a, hasAssoc, note)
        resp := map[string]any{"orderId": id, "state": st.String()}
        if consignmentID != "" { resp["consignmentId"] = consignmentID }
        if hasAssoc {
            resp["status"] = a.Status
            resp["syncedAt"] = a.SyncedAt
            resp["noteWritten"] = a.NoteWritten
        }
        writeJSON(w, 200, resp)
    case http.MethodDelete:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        if err := s.Engine.ClearAssociation(r.Context(), id); err != nil {
            writeProblem(w, 500, "Clear association failed", err.Error(), r.URL.Path)
            return
        }
        w.WriteHeader(204)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func (s *Server) orderLabel(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    a, err := s.Store.GetAssociation(r.Context(), id)
    if err != nil {
        writeProblem(w, http.StatusNotFound, "Not synced", "no consignment for order", r.URL.Path)
        return
    }
    pdf, err := s.Carrier.DownloadLabel(r.Context(), a.ConsignmentID)
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Label download failed", err.Error(), r.URL.Path)
        return
    }
    w.Header().Set("Content-Type", "application/pdf")
    w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "label-"+a.ConsignmentID+".pdf"))
    w.WriteHeader(200)
    _, _ = w.Write(pdf)
}

func (s *Server) orderCancel(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    if !p.CanOperate() { writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path); return }
    a, err := s.Store.GetAssociation(r.Context(), id)
    if err != nil {
        writeProblem(w, http.StatusNotFound, "Not synced", "no consignment for order", r.URL.Path)
        return
    }
    if err := s.Carrier.CancelConsignment(r.Context(), a.ConsignmentID); err != nil {
        writeProblem(w, http.StatusBadGateway, "Cancel failed", err.Error(), r.URL.Path)
        return
    }
    if err := s.Store.UpdateAssociationStatus(r.Context(), id, "cancelled"); err != nil {
        writeProblem(w, 500, "Status update failed", err.Error(), r.URL.Path)
        return
    }
    _, _ = s.Store.AppendSyncLog(r.Context(), model.SyncLogEntry{
        Type: model.LogTypeStatusUpdate, Status: model.LogStatusSuccess,
        OrderID: id, ConsignmentID: a.ConsignmentID, Message: "consignment cancelled",
    })
    s.Broker.Publish(TopicEvents, SSEEvent{Type: "consignment.cancelled", Data: map[string]any{"orderId": id, "consignmentId": a.ConsignmentID}})
    s.Pub.Emit(r.Context(), "consignment.cancelled", map[string]any{"orderId": id, "consignmentId": a.ConsignmentID})
    writeJSON(w, 200, map[string]any{"orderId": id, "consignmentId": a.ConsignmentID, "status": "cancelled"})
}

// SyncLogsHandler handles GET and DELETE /v1/sync-logs.
func (s *Server) SyncLogsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/sync-logs" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    switch r.Method {
    case http.MethodGet:
        typ := r.URL.Query().Get("type")
        status := r.URL.Query().Get("status")
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSyncLogs(r.Context(), typ, status, cursor, limit)
        if err != nil { writeProblem(w, 500, "List sync logs failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    case http.MethodDelete:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        days := s.Config.Snapshot().LogRetentionDays
        if v := r.URL.Query().Get("olderThanDays"); v != "" { fmt.Sscanf(v, "%d", &days) }
        if days <= 0 { writeProblem(w, 400, "Invalid retention", "olderThanDays must be > 0", r.URL.Path); return }
        pruned, err := s.Store.PruneSyncLogs(r.Context(), time.Now().AddDate(0, 0, -days))
        if err != nil { writeProblem(w, 500, "Prune failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]int{"pruned": pruned})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SettingsHandler handles GET/PUT /v1/admin/settings. Updates go through
// the config manager so invalid combinations are rejected atomically, and
// are persisted to the store for restarts.
func (s *Server) SettingsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/settings" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodGet:
        cfg := s.Config.Snapshot()
        writeJSON(w, 200, map[string]any{"settings": settingsView(cfg)})
    case http.MethodPut:
        var body struct {
            Settings map[string]any `json:"settings"`
        }
        if err := json.NewDecoder(r.Body).Decode(&body); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if body.Settings == nil { writeProblem(w, 400, "Missing settings", "", r.URL.Path); return }
        if err := s.applySettings(body.Settings); err != nil {
            writeProblem(w, 400, "Invalid settings", err.Error(), r.URL.Path)
            return
        }
        if err := s.Store.SaveSettings(r.Context(), body.Settings); err != nil {
            writeProblem(w, 500, "Persist settings failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, 200, map[string]any{"settings": settingsView(s.Config.Snapshot())})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func settingsView(cfg config.Config) map[string]any {
    return map[string]any{
        "notificationsEnabled": cfg.NotificationsEnabled,
        "syncBatchLimit":       cfg.SyncBatchLimit,
        "statusBatchLimit":     cfg.StatusBatchLimit,
        "logRetentionDays":     cfg.LogRetentionDays,
        "syncInterval":         cfg.SyncInterval.String(),
        "statusInterval":       cfg.StatusInterval.String(),
        "carrierRPS":           cfg.CarrierRPS,
    }
}

// applySettings maps the mutable settings keys onto a config update. The
// manager rejects combinations that fail validation.
func (s *Server) applySettings(settings map[string]any) error {
    return s.Config.Update(func(c *config.Config) {
        if v, ok := settings["notificationsEnabled"].(bool); ok { c.NotificationsEnabled = v }
        if v, ok := numSetting(settings, "syncBatchLimit"); ok { c.SyncBatchLimit = int(v) }
        if v, ok := numSetting(settings, "statusBatchLimit"); ok { c.StatusBatchLimit = int(v) }
        if v, ok := numSetting(settings, "logRetentionDays"); ok { c.LogRetentionDays = int(v) }
        if v, ok := numSetting(settings, "carrierRPS"); ok { c.CarrierRPS = v }
        if v, ok := durSetting(settings, "syncInterval"); ok { c.SyncInterval = v }
        if v, ok := durSetting(settings, "statusInterval"); ok { c.StatusInterval = v }
    })
}

func numSetting(m map[string]any, key string) (float64, bool) {
    switch v := m[key].(type) {
    case float64:
        return v, true
    case int:
        return float64(v), true
    }
    return 0, false
}

func durSetting(m map[string]any, key string) (time.Duration, bool) {
    if v, ok := m[key].(string); ok {
        if d, err := time.ParseDuration(v); err == nil { return d, true }
    }
    return 0, false
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodPost:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.URL == "" || len(req.Events) == 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        p := s.getPrincipal(r)
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
    w.WriteHeader(204)
}

// Admin: webhook deliveries list
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// EventsStreamHandler handles GET /v1/events/stream: SSE over the sync
// event firehose, or a single order's events with ?orderId=.
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    topic := TopicEvents
    if id := r.URL.Query().Get("orderId"); id != "" { topic = "order:" + id }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(topic)
    defer s.Broker.Unsubscribe(topic, ch)
    // initial heartbeat
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

// MetricsHandler exposes the dedicated Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
    metrics.RegisterDefault()
    return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}
