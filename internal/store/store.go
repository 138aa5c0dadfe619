package store

import (
    "context"
    "errors"
    "time"

    "shipsync/internal/model"
)

// Store is the persistence interface for sync state, the sync log, and
// the outbound webhook queue.
type Store interface {
    // Order -> consignment associations (primary sync state)
    SaveAssociation(ctx context.Context, a model.Association) error
    GetAssociation(ctx context.Context, orderID string) (model.Association, error)
    MarkNoteWritten(ctx context.Context, orderID string) error
    UpdateAssociationStatus(ctx context.Context, orderID, status string) error
    DeleteAssociation(ctx context.Context, orderID string) error
    ListAssociations(ctx context.Context, cursor string, limit int) ([]model.Association, string, error)

    // Sync log (append-only)
    AppendSyncLog(ctx context.Context, e model.SyncLogEntry) (string, error)
    ListSyncLogs(ctx context.Context, typ, status, cursor string, limit int) ([]model.SyncLogEntry, string, error)
    PruneSyncLogs(ctx context.Context, olderThan time.Time) (int, error)

    // Outbound webhook subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, id string) error

    // Outbound webhook delivery queue
    EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)

    // Persisted settings overlay
    GetSettings(ctx context.Context) (map[string]any, error)
    SaveSettings(ctx context.Context, settings map[string]any) error
}

// WebhookDelivery is one queued outbound delivery attempt.
type WebhookDelivery struct {
    ID             string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}

var ErrNotFound = errors.New("not found")
