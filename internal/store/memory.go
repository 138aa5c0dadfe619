package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "shipsync/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu     sync.Mutex
    assocs map[string]model.Association // orderID -> association
    logs   []model.SyncLogEntry
    subs   []model.Subscription
    // Webhooks queue state
    deliveries    map[string]*memDelivery
    deliveryOrder []string
    settings      map[string]any
}

func NewMemory() *Memory {
    return &Memory{
        assocs:     map[string]model.Association{},
        deliveries: map[string]*memDelivery{},
        settings:   map[string]any{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func (m *Memory) SaveAssociation(ctx context.Context, a model.Association) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.assocs[a.OrderID] = a
    return nil
}

func (m *Memory) GetAssociation(ctx context.Context, orderID string) (model.Association, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    a, ok := m.assocs[orderID]
    if !ok { return model.Association{}, ErrNotFound }
    return a, nil
}

func (m *Memory) MarkNoteWritten(ctx context.Context, orderID string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    a, ok := m.assocs[orderID]
    if !ok { return ErrNotFound }
    a.NoteWritten = true
    m.assocs[orderID] = a
    return nil
}

func (m *Memory) UpdateAssociationStatus(ctx context.Context, orderID, status string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    a, ok := m.assocs[orderID]
    if !ok { return ErrNotFound }
    a.Status = status
    m.assocs[orderID] = a
    return nil
}

func (m *Memory) DeleteAssociation(ctx context.Context, orderID string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    delete(m.assocs, orderID)
    return nil
}

func (m *Memory) ListAssociations(ctx context.Context, cursor string, limit int) ([]model.Association, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := make([]string, 0, len(m.assocs))
    for id := range m.assocs { ids = append(ids, id) }
    sort.Strings(ids)
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Association{}
    for i := start; i < len(ids) && len(out) < limit; i++ {
        out = append(out, m.assocs[ids[i]])
    }
    next := ""
    if len(out) == limit && start+limit < len(ids) { next = out[len(out)-1].OrderID }
    return out, next, nil
}

func (m *Memory) AppendSyncLog(ctx context.Context, e model.SyncLogEntry) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if e.ID == "" { e.ID = uuid.New().String() }
    if e.TS.IsZero() { e.TS = time.Now().UTC() }
    m.logs = append(m.logs, e)
    return e.ID, nil
}

func (m *Memory) ListSyncLogs(ctx context.Context, typ, status, cursor string, limit int) ([]model.SyncLogEntry, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    start := 0
    if cursor != "" {
        for i := range m.logs {
            if m.logs[i].ID == cursor { start = i + 1; break }
        }
    }
    out := []model.SyncLogEntry{}
    var last string
    for i := start; i < len(m.logs) && len(out) < limit; i++ {
        e := m.logs[i]
        if typ != "" && e.Type != typ { continue }
        if status != "" && e.Status != status { continue }
        out = append(out, e)
        last = e.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (m *Memory) PruneSyncLogs(ctx context.Context, olderThan time.Time) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    kept := m.logs[:0]
    pruned := 0
    for _, e := range m.logs {
        if e.TS.Before(olderThan) { pruned++; continue }
        kept = append(kept, e)
    }
    m.logs = kept
    return pruned, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs = append(m.subs, s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs {
        for _, e := range s.Events {
            if e == eventType { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    start := 0
    if cursor != "" {
        for i := range m.subs {
            if m.subs[i].ID == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(m.subs) { end = len(m.subs) }
    items := append([]model.Subscription(nil), m.subs[start:end]...)
    next := ""
    if end < len(m.subs) { next = m.subs[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Subscription, 0, len(m.subs))
    for _, s := range m.subs {
        if s.ID != id { out = append(out, s) }
    }
    m.subs = out
    return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveryOrder = append(m.deliveryOrder, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.deliveryOrder {
        d := m.deliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil {
        d.Status = "failed"
        d.LastError = lastError
        d.ResponseCode = responseCode
        d.LatencyMs = latencyMs
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveryOrder {
        d := m.deliveries[id]
        if d == nil { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) GetSettings(ctx context.Context) (map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := map[string]any{}
    for k, v := range m.settings { out[k] = v }
    return out, nil
}

func (m *Memory) SaveSettings(ctx context.Context, settings map[string]any) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for k, v := range settings { m.settings[k] = v }
    return nil
}
