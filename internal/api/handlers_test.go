package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "shipsync/internal/carrier"
    "shipsync/internal/config"
    "shipsync/internal/source"
    "shipsync/internal/store"
    syncengine "shipsync/internal/sync"
    "shipsync/internal/webhooks"
)

// fake order-source and carrier backends for the HTTP clients.
func newFakeBackends(t *testing.T) (sourceURL, carrierURL string) {
    t.Helper()
    src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.Method == http.MethodGet && r.URL.Path == "/admin/api/orders.json":
            _, _ = w.Write([]byte(`{"orders":[{"id":"1001","name":"#1001","shippingAddress":{"name":"Asha Rao","line1":"12 Hill Rd","city":"Pune","postalCode":"411001","phone":"9900112233"},"lineItems":[{"title":"Widget","quantity":1,"unitPrice":499,"grams":500}],"totalPrice":499}]}`))
        case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, ".json"):
            id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/admin/api/orders/"), ".json")
            body, _ := json.Marshal(map[string]any{"order": map[string]any{
                "id": id, "name": "#" + id,
                "shippingAddress": map[string]any{"name": "Asha Rao", "line1": "12 Hill Rd", "city": "Pune", "postalCode": "411001", "phone": "9900112233"},
                "lineItems":       []map[string]any{{"title": "Widget", "quantity": 1, "unitPrice": 499, "grams": 500}},
                "totalPrice":      499,
            }})
            _, _ = w.Write(body)
        default:
            w.WriteHeader(200)
        }
    }))
    t.Cleanup(src.Close)
    car := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.Method == http.MethodPost && r.URL.Path == "/api/v1/consignments":
            _, _ = w.Write([]byte(`{"success":true,"consignment_id":"9001","tracking_number":"TRK9001","status":"pending"}`))
        case strings.HasSuffix(r.URL.Path, "/status"):
            _, _ = w.Write([]byte(`{"consignment_id":"9001","current_status":"in_transit"}`))
        case strings.HasSuffix(r.URL.Path, "/label"):
            w.Header().Set("Content-Type", "application/pdf")
            _, _ = w.Write([]byte("%PDF-1.4 fake"))
        case strings.HasSuffix(r.URL.Path, "/cancel"):
            _, _ = w.Write([]byte(`{"success":true}`))
        default:
            w.WriteHeader(404)
        }
    }))
    t.Cleanup(car.Close)
    return src.URL, car.URL
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
    t.Helper()
    srcURL, carURL := newFakeBackends(t)
    cfg := config.Config{
        SourceURL: srcURL, CarrierURL: carURL,
        CarrierRPS: 100, HTTPTimeout: 5 * time.Second,
        SyncInterval: time.Minute, StatusInterval: time.Minute,
        SyncBatchLimit: 50, StatusBatchLimit: 100,
        NotificationsEnabled: true, LogRetentionDays: 90,
    }
    if mutate != nil { mutate(&cfg) }
    mem := store.NewMemory()
    s := &Server{
        Store:   mem,
        Carrier: carrier.New(cfg.CarrierURL, "key", cfg.HTTPTimeout, cfg.CarrierRPS),
        Source:  source.New(cfg.SourceURL, "tok", cfg.HTTPTimeout),
        Pub:     webhooks.NewPublisher(mem),
        Broker:  NewBroker(),
        Config:  config.NewManager(cfg),
    }
    s.Engine = syncengine.NewEngine(s.Source, s.Carrier, mem, s.Config, s.sink())
    return s
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestOrderWebhookSignature(t *testing.T) {
    s := newTestServer(t, func(c *config.Config) { c.SourceWebhookSecret = "shh" })
    body := []byte(`{"order":{"id":"1001","shippingAddress":{"name":"Asha Rao","line1":"12 Hill Rd","city":"Pune","postalCode":"411001","phone":"9900112233"},"lineItems":[{"title":"Widget","quantity":1,"unitPrice":499,"grams":500}],"totalPrice":499}}`)

    // unsigned is rejected
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/orders", bytes.NewReader(body))
    s.OrderWebhookHandler(rr, req)
    if rr.Code != http.StatusUnauthorized { t.Fatalf("unsigned webhook: got %d", rr.Code) }

    // signed is accepted and syncs the order
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/orders", bytes.NewReader(body))
    req.Header.Set("X-Signature", webhooks.SignHMAC("shh", body))
    s.OrderWebhookHandler(rr, req)
    if rr.Code != http.StatusAccepted { t.Fatalf("signed webhook: got %d body=%s", rr.Code, rr.Body.String()) }
    a, err := s.Store.GetAssociation(context.Background(), "1001")
    if err != nil || a.ConsignmentID != "9001" {
        t.Fatalf("association not recorded: %v %+v", err, a)
    }
}

func TestSyncOrderEndpointAndState(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil)
    req.Header.Set("X-Role", "operator")
    s.SyncOrderHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("sync order: %d body=%s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    s.OrdersHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/1001/sync", nil))
    if rr.Code != 200 { t.Fatalf("sync state: %d", rr.Code) }
    var state map[string]any
    if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil { t.Fatalf("decode: %v", err) }
    if state["state"] != "synced" || state["consignmentId"] != "9001" {
        t.Fatalf("unexpected state: %+v", state)
    }
}

func TestOrdersListDerivedState(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    s.OrdersListHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
    if rr.Code != 200 { t.Fatalf("list: %d", rr.Code) }
    var res struct {
        Items []map[string]any `json:"items"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || len(res.Items) != 1 {
        t.Fatalf("expected one order: %v %s", err, rr.Body.String())
    }
    if res.Items[0]["syncState"] != "unsynced" { t.Fatalf("expected unsynced: %+v", res.Items[0]) }

    rr = httptest.NewRecorder()
    s.SyncOrderHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil))
    if rr.Code != 200 { t.Fatalf("sync: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.OrdersListHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || len(res.Items) != 1 {
        t.Fatalf("expected one order: %v %s", err, rr.Body.String())
    }
    if res.Items[0]["syncState"] != "synced" || res.Items[0]["consignmentId"] != "9001" {
        t.Fatalf("expected synced with consignment: %+v", res.Items[0])
    }
}

func TestSyncOrderForbiddenForUnknownRole(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil)
    req.Header.Set("X-Role", "viewer")
    s.SyncOrderHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("expected 403, got %d", rr.Code) }
}

func TestOrderLabelAndCancel(t *testing.T) {
    s := newTestServer(t, nil)
    // sync first
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil)
    s.SyncOrderHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("sync: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.OrdersHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/orders/1001/label", nil))
    if rr.Code != 200 || rr.Header().Get("Content-Type") != "application/pdf" {
        t.Fatalf("label: %d %s", rr.Code, rr.Header().Get("Content-Type"))
    }

    rr = httptest.NewRecorder()
    s.OrdersHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/orders/1001/cancel", nil))
    if rr.Code != 200 { t.Fatalf("cancel: %d body=%s", rr.Code, rr.Body.String()) }
    a, _ := s.Store.GetAssociation(context.Background(), "1001")
    if a.Status != "cancelled" { t.Fatalf("association not cancelled: %+v", a) }
}

func TestClearAssociationEndpoint(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    s.SyncOrderHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil))
    if rr.Code != 200 { t.Fatalf("sync: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.OrdersHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/orders/1001/sync", nil))
    if rr.Code != 204 { t.Fatalf("clear: %d", rr.Code) }
    if _, err := s.Store.GetAssociation(context.Background(), "1001"); err == nil {
        t.Fatalf("association should be gone")
    }
}

func TestSyncLogsEndpoint(t *testing.T) {
    s := newTestServer(t, nil)
    rr := httptest.NewRecorder()
    s.SyncOrderHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil))
    if rr.Code != 200 { t.Fatalf("sync: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SyncLogsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/sync-logs?type=sync", nil))
    if rr.Code != 200 { t.Fatalf("list logs: %d", rr.Code) }
    var res struct {
        Items []map[string]any `json:"items"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || len(res.Items) == 0 {
        t.Fatalf("expected log entries: %v %s", err, rr.Body.String())
    }

    rr = httptest.NewRecorder()
    s.SyncLogsHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/sync-logs?olderThanDays=1", nil))
    if rr.Code != 200 { t.Fatalf("prune logs: %d", rr.Code) }
}

func TestSettingsUpdate(t *testing.T) {
    s := newTestServer(t, nil)
    body := []byte(`{"settings":{"notificationsEnabled":false,"syncBatchLimit":25}}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPut, "/v1/admin/settings", bytes.NewReader(body))
    s.SettingsHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("settings put: %d body=%s", rr.Code, rr.Body.String()) }
    cfg := s.Config.Snapshot()
    if cfg.NotificationsEnabled || cfg.SyncBatchLimit != 25 {
        t.Fatalf("settings not applied: %+v", cfg)
    }

    // invalid update is rejected and nothing changes
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPut, "/v1/admin/settings", bytes.NewReader([]byte(`{"settings":{"syncBatchLimit":0}}`)))
    s.SettingsHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("invalid settings: got %d", rr.Code) }
    if s.Config.Snapshot().SyncBatchLimit != 25 { t.Fatalf("rejected update leaked") }
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
    s := newTestServer(t, nil)
    subBody := []byte(`{"url":"https://example.invalid/webhook","events":["order.synced"],"secret":"shh"}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(subBody))
    s.SubscriptionsHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create sub: %d", rr.Code) }

    // a sync emits order.synced, which enqueues a delivery
    rr = httptest.NewRecorder()
    s.SyncOrderHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/sync/orders/1001", nil))
    if rr.Code != 200 { t.Fatalf("sync: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?limit=5", nil))
    if rr.Code != 200 { t.Fatalf("deliveries: %d", rr.Code) }
    var dres struct {
        Items []map[string]any `json:"items"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &dres); err != nil { t.Fatalf("decode deliveries: %v", err) }
    if len(dres.Items) == 0 { t.Fatalf("expected at least one delivery") }
    if et, ok := dres.Items[0]["eventType"].(string); !ok || et != "order.synced" {
        t.Fatalf("unexpected eventType: %+v", dres.Items[0])
    }
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
    hdr  http.Header
    buf  bytes.Buffer
    code int
}

func (r *sseRecorder) Header() http.Header { if r.hdr == nil { r.hdr = http.Header{} }; return r.hdr }
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush() {}

func TestEventsStreamSSE(t *testing.T) {
    s := newTestServer(t, nil)
    sseReq := httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    sseReq = sseReq.WithContext(ctx)

    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        s.EventsStreamHandler(rec, sseReq)
        close(done)
    }()

    // Give handler time to subscribe and send heartbeat
    time.Sleep(50 * time.Millisecond)
    s.Broker.Publish(TopicEvents, SSEEvent{Type: "order.synced", Data: map[string]any{"orderId": "1001"}})

    deadline := time.Now().Add(500 * time.Millisecond)
    for time.Now().Before(deadline) {
        if bytes.Contains(rec.buf.Bytes(), []byte("event: order.synced")) {
            break
        }
        time.Sleep(10 * time.Millisecond)
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: order.synced")) {
        t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
    }
    cancel()
    select {
    case <-done:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("handler did not exit after cancel")
    }
}
