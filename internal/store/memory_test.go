package store

import (
    "context"
    "testing"
    "time"

    "shipsync/internal/model"
)

func TestMemoryAssociations(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    a := model.Association{OrderID: "1001", ConsignmentID: "77", Status: "pending", SyncedAt: time.Now()}
    if err := m.SaveAssociation(ctx, a); err != nil {
        t.Fatalf("save: %v", err)
    }
    got, err := m.GetAssociation(ctx, "1001")
    if err != nil || got.ConsignmentID != "77" {
        t.Fatalf("get: %v %+v", err, got)
    }
    if err := m.MarkNoteWritten(ctx, "1001"); err != nil {
        t.Fatalf("mark: %v", err)
    }
    got, _ = m.GetAssociation(ctx, "1001")
    if !got.NoteWritten {
        t.Fatalf("expected note_written after mark")
    }
    if err := m.UpdateAssociationStatus(ctx, "1001", "delivered"); err != nil {
        t.Fatalf("update status: %v", err)
    }
    got, _ = m.GetAssociation(ctx, "1001")
    if got.Status != "delivered" {
        t.Fatalf("status not updated: %+v", got)
    }
    if _, err := m.GetAssociation(ctx, "nope"); err != ErrNotFound {
        t.Fatalf("expected ErrNotFound, got %v", err)
    }
}

func TestMemoryListAssociationsPagination(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    for _, id := range []string{"a", "b", "c", "d"} {
        _ = m.SaveAssociation(ctx, model.Association{OrderID: id, ConsignmentID: "c-" + id, SyncedAt: time.Now()})
    }
    page, next, err := m.ListAssociations(ctx, "", 2)
    if err != nil || len(page) != 2 || next == "" {
        t.Fatalf("first page: %v len=%d next=%q", err, len(page), next)
    }
    page2, next2, err := m.ListAssociations(ctx, next, 10)
    if err != nil || len(page2) != 2 || next2 != "" {
        t.Fatalf("second page: %v len=%d next=%q", err, len(page2), next2)
    }
    if page[0].OrderID == page2[0].OrderID {
        t.Fatalf("pages overlap")
    }
}

func TestMemorySyncLogFilterAndPrune(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    old := model.SyncLogEntry{Type: model.LogTypeSync, Status: model.LogStatusSuccess, TS: time.Now().Add(-48 * time.Hour)}
    _, _ = m.AppendSyncLog(ctx, old)
    _, _ = m.AppendSyncLog(ctx, model.SyncLogEntry{Type: model.LogTypeStatusUpdate, Status: model.LogStatusFailed})
    _, _ = m.AppendSyncLog(ctx, model.SyncLogEntry{Type: model.LogTypeSync, Status: model.LogStatusFailed})

    logs, _, err := m.ListSyncLogs(ctx, model.LogTypeSync, "", "", 100)
    if err != nil || len(logs) != 2 {
        t.Fatalf("type filter: %v len=%d", err, len(logs))
    }
    logs, _, _ = m.ListSyncLogs(ctx, "", model.LogStatusFailed, "", 100)
    if len(logs) != 2 {
        t.Fatalf("status filter: len=%d", len(logs))
    }
    pruned, err := m.PruneSyncLogs(ctx, time.Now().Add(-24*time.Hour))
    if err != nil || pruned != 1 {
        t.Fatalf("prune: %v pruned=%d", err, pruned)
    }
    logs, _, _ = m.ListSyncLogs(ctx, "", "", "", 100)
    if len(logs) != 2 {
        t.Fatalf("expected 2 logs after prune, got %d", len(logs))
    }
}

func TestMemoryWebhookQueue(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    id, err := m.EnqueueWebhook(ctx, "sub1", "order.synced", "http://example.com/hook", "s3cr3t", []byte(`{"id":"evt1"}`))
    if err != nil || id == "" {
        t.Fatalf("enqueue: %v", err)
    }
    due, err := m.FetchDueWebhookDeliveries(ctx, 10)
    if err != nil || len(due) != 1 || due[0].EventType != "order.synced" {
        t.Fatalf("due: %v %+v", err, due)
    }
    next := time.Now().Add(time.Hour)
    if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 12); err != nil {
        t.Fatalf("mark retry: %v", err)
    }
    due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 0 {
        t.Fatalf("retry scheduled in the future should not be due")
    }
    if err := m.FailWebhookDelivery(ctx, id, "gave up", 500, 8); err != nil {
        t.Fatalf("fail: %v", err)
    }
    items, _, _ := m.ListWebhookDeliveries(ctx, "failed", "", 10)
    if len(items) != 1 {
        t.Fatalf("expected one failed delivery, got %d", len(items))
    }
}

func TestMemorySettingsMerge(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    _ = m.SaveSettings(ctx, map[string]any{"notificationsEnabled": true, "syncBatchLimit": 25})
    _ = m.SaveSettings(ctx, map[string]any{"syncBatchLimit": 50})
    got, err := m.GetSettings(ctx)
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    if got["notificationsEnabled"] != true || got["syncBatchLimit"] != 50 {
        t.Fatalf("merge lost keys: %+v", got)
    }
}
