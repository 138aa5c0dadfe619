// Package sync holds the synchronization engine: creating carrier
// consignments for order-source orders, recording the association, and
// reconciling carrier status back onto orders.
package sync

import (
    "context"
    "errors"
    "log"
    "time"

    "shipsync/internal/config"
    "shipsync/internal/metrics"
    "shipsync/internal/model"
    "shipsync/internal/store"
    "shipsync/internal/synctoken"
)

// SyncedTag is added to an order's tag set once sync succeeds.
const SyncedTag = "shipsy-synced"

// SyncResult reasons.
const (
    ReasonAlreadySynced = "already_synced"
    ReasonInvalidOrder  = "invalid_order"
    ReasonCarrierError  = "carrier_error"
    ReasonNotePending   = "note_pending_repair"
)

// Carrier is the carrier-side surface the engine needs.
type Carrier interface {
    CreateConsignment(ctx context.Context, o model.Order) (model.Consignment, error)
    GetConsignmentStatus(ctx context.Context, consignmentID string) (model.StatusInfo, error)
}

// OrderSource is the order-source surface the engine needs.
type OrderSource interface {
    GetAllOrders(ctx context.Context, f model.OrderFilters) ([]model.Order, error)
    GetOrder(ctx context.Context, id string) (model.Order, error)
    UpdateOrderNote(ctx context.Context, id, note string) error
    AddOrderTag(ctx context.Context, id, tag string) error
    UpdateOrderStatus(ctx context.Context, id, status string) error
    SendOrderMessage(ctx context.Context, id, text string) error
}

// EventSink receives engine events (order.synced, consignment.status_changed).
type EventSink interface {
    Emit(ctx context.Context, eventType string, data any)
}

type Engine struct {
    Source  OrderSource
    Carrier Carrier
    Store   store.Store
    Config  *config.Manager
    Events  EventSink

    locks *keyedLocks
}

func NewEngine(src OrderSource, car Carrier, st store.Store, cfg *config.Manager, events EventSink) *Engine {
    return &Engine{Source: src, Carrier: car, Store: st, Config: cfg, Events: events, locks: newKeyedLocks()}
}

// SyncOrder creates a consignment for the order unless one is already
// associated. Idempotent: a synced order makes zero carrier calls. The
// association row is written before the note so a note-write failure
// leaves a repairable record instead of an orphaned consignment.
func (e *Engine) SyncOrder(ctx context.Context, order model.Order) (model.SyncResult, error) {
    unlock := e.locks.Lock(order.ID)
    defer unlock()
    start := time.Now()

    a, err := e.Store.GetAssociation(ctx, order.ID)
    if err != nil && !errors.Is(err, store.ErrNotFound) {
        return model.SyncResult{}, err
    }
    hasAssoc := err == nil
    if st, id := DeriveState(a, hasAssoc, order.Note); st != StateUnsynced {
        metrics.SyncAttempts.WithLabelValues(ReasonAlreadySynced).Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeSync, Status: model.LogStatusSuccess,
            OrderID: order.ID, ConsignmentID: id,
            Message: "already synced", DurationMs: ms(start),
        })
        // Not an error and not a new sync: nothing was created.
        return model.SyncResult{Success: false, ConsignmentID: id, Reason: ReasonAlreadySynced}, nil
    }

    if err := order.Validate(); err != nil {
        metrics.SyncAttempts.WithLabelValues(ReasonInvalidOrder).Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeSync, Status: model.LogStatusFailed,
            OrderID: order.ID, Error: err.Error(), DurationMs: ms(start),
        })
        return model.SyncResult{Reason: ReasonInvalidOrder}, err
    }

    cons, err := e.Carrier.CreateConsignment(ctx, order)
    if err != nil {
        metrics.SyncAttempts.WithLabelValues(ReasonCarrierError).Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeSync, Status: model.LogStatusFailed,
            OrderID: order.ID, Error: err.Error(), DurationMs: ms(start),
        })
        return model.SyncResult{Reason: ReasonCarrierError}, err
    }

    now := time.Now().UTC()
    assoc := model.Association{OrderID: order.ID, ConsignmentID: cons.ID, Status: cons.Status, SyncedAt: now}
    if err := e.Store.SaveAssociation(ctx, assoc); err != nil {
        // Consignment exists but nothing local records it. Surface loudly.
        log.Printf("sync: association write failed for order %s consignment %s: %v", order.ID, cons.ID, err)
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeError, Status: model.LogStatusFailed,
            OrderID: order.ID, ConsignmentID: cons.ID, Error: err.Error(), DurationMs: ms(start),
        })
        return model.SyncResult{ConsignmentID: cons.ID}, err
    }

    if err := e.Source.UpdateOrderNote(ctx, order.ID, synctoken.Append(order.Note, cons.ID, now)); err != nil {
        // Association row exists; reconciliation repairs the note later.
        metrics.SyncAttempts.WithLabelValues(ReasonNotePending).Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeSync, Status: model.LogStatusPartial,
            OrderID: order.ID, ConsignmentID: cons.ID,
            Message: "note write failed, pending repair", Error: err.Error(), DurationMs: ms(start),
        })
        return model.SyncResult{Success: true, ConsignmentID: cons.ID, Reason: ReasonNotePending}, nil
    }
    if err := e.Store.MarkNoteWritten(ctx, order.ID); err != nil {
        log.Printf("sync: mark note written failed for order %s: %v", order.ID, err)
    }
    if err := e.Source.AddOrderTag(ctx, order.ID, SyncedTag); err != nil {
        // Tag is cosmetic; the note token is the durable marker.
        log.Printf("sync: tag write failed for order %s: %v", order.ID, err)
    }

    metrics.SyncAttempts.WithLabelValues("success").Inc()
    e.appendLog(ctx, model.SyncLogEntry{
        Type: model.LogTypeSync, Status: model.LogStatusSuccess,
        OrderID: order.ID, ConsignmentID: cons.ID, DurationMs: ms(start),
    })
    e.emit(ctx, "order.synced", map[string]any{"orderId": order.ID, "consignmentId": cons.ID})
    return model.SyncResult{Success: true, ConsignmentID: cons.ID}, nil
}

// SyncPendingOrders syncs a bounded page of open orders. One order's
// failure never aborts the batch. Refunded, voided, and cancelled orders
// are excluded entirely and contribute to no count.
func (e *Engine) SyncPendingOrders(ctx context.Context, opts model.SyncOptions) (model.BatchResult, error) {
    cfg := e.Config.Snapshot()
    start := time.Now()
    limit := opts.Limit
    if limit <= 0 { limit = cfg.SyncBatchLimit }

    orders, err := e.Source.GetAllOrders(ctx, model.OrderFilters{Status: "open", Limit: limit, CreatedAfter: opts.CreatedAfter})
    if err != nil {
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeError, Status: model.LogStatusFailed,
            Message: "order listing failed", Error: err.Error(), DurationMs: ms(start),
        })
        return model.BatchResult{}, err
    }

    var res model.BatchResult
    for _, o := range orders {
        if skipTerminalOrder(o) { continue }
        res.Total++
        r, err := e.SyncOrder(ctx, o)
        switch {
        case err != nil:
            res.Failed++
        case r.Reason == ReasonAlreadySynced:
            // counted in total only
        default:
            res.Synced++
        }
    }

    status := model.LogStatusSuccess
    if res.Failed > 0 {
        status = model.LogStatusPartial
        if res.Synced == 0 { status = model.LogStatusFailed }
    }
    e.appendLog(ctx, model.SyncLogEntry{
        Type: model.LogTypeSync, Status: status,
        Synced: res.Synced, Failed: res.Failed, Total: res.Total,
        Message: "batch sync", DurationMs: ms(start),
    })
    return res, nil
}

// UpdateConsignmentStatuses polls the carrier for every non-terminal
// association and propagates mapped status changes back to the order
// source. Terminal consignments are skipped without a carrier call.
func (e *Engine) UpdateConsignmentStatuses(ctx context.Context) (model.ReconcileResult, error) {
    cfg := e.Config.Snapshot()
    start := time.Now()
    var res model.ReconcileResult
    cursor := ""
    for {
        assocs, next, err := e.Store.ListAssociations(ctx, cursor, cfg.StatusBatchLimit)
        if err != nil { return res, err }
        for _, a := range assocs {
            if IsTerminalStatus(a.Status) {
                res.Skipped++
                continue
            }
            switch e.reconcileOne(ctx, a, cfg) {
            case reconcileUpdated:
                res.Updated++
            case reconcileFailed:
                res.Failed++
            default:
                res.Skipped++
            }
        }
        if next == "" { break }
        cursor = next
    }

    status := model.LogStatusSuccess
    if res.Failed > 0 {
        status = model.LogStatusPartial
        if res.Updated == 0 { status = model.LogStatusFailed }
    }
    e.appendLog(ctx, model.SyncLogEntry{
        Type: model.LogTypeStatusUpdate, Status: status,
        Synced: res.Updated, Failed: res.Failed, Total: res.Updated + res.Failed + res.Skipped,
        Message: "status reconciliation", DurationMs: ms(start),
    })
    return res, nil
}

type reconcileOutcome int

const (
    reconcileSkipped reconcileOutcome = iota
    reconcileUpdated
    reconcileFailed
)

func (e *Engine) reconcileOne(ctx context.Context, a model.Association, cfg config.Config) reconcileOutcome {
    unlock := e.locks.Lock(a.OrderID)
    defer unlock()

    info, err := e.Carrier.GetConsignmentStatus(ctx, a.ConsignmentID)
    if err != nil {
        metrics.StatusUpdates.WithLabelValues("", "error").Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeStatusUpdate, Status: model.LogStatusFailed,
            OrderID: a.OrderID, ConsignmentID: a.ConsignmentID, Error: err.Error(),
        })
        return reconcileFailed
    }

    mapping, ok := LookupStatus(info.CurrentStatus)
    if !ok {
        log.Printf("reconcile: unmapped carrier status %q for consignment %s, skipping", info.CurrentStatus, a.ConsignmentID)
        metrics.StatusUpdates.WithLabelValues(info.CurrentStatus, "unmapped").Inc()
        return reconcileSkipped
    }

    if !a.NoteWritten {
        e.repairNote(ctx, a)
    }

    if info.CurrentStatus == a.Status {
        metrics.StatusUpdates.WithLabelValues(info.CurrentStatus, "unchanged").Inc()
        return reconcileSkipped
    }

    if err := e.Store.UpdateAssociationStatus(ctx, a.OrderID, info.CurrentStatus); err != nil {
        metrics.StatusUpdates.WithLabelValues(info.CurrentStatus, "error").Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeStatusUpdate, Status: model.LogStatusFailed,
            OrderID: a.OrderID, ConsignmentID: a.ConsignmentID, Error: err.Error(),
        })
        return reconcileFailed
    }
    if err := e.Source.UpdateOrderStatus(ctx, a.OrderID, mapping.OrderStatus); err != nil {
        metrics.StatusUpdates.WithLabelValues(info.CurrentStatus, "error").Inc()
        e.appendLog(ctx, model.SyncLogEntry{
            Type: model.LogTypeStatusUpdate, Status: model.LogStatusFailed,
            OrderID: a.OrderID, ConsignmentID: a.ConsignmentID, Error: err.Error(),
        })
        return reconcileFailed
    }
    if mapping.Notify && cfg.NotificationsEnabled {
        if err := e.Source.SendOrderMessage(ctx, a.OrderID, "Your order has been "+mapping.Display+"."); err != nil {
            log.Printf("reconcile: notify failed for order %s: %v", a.OrderID, err)
        }
    }

    metrics.StatusUpdates.WithLabelValues(info.CurrentStatus, "updated").Inc()
    e.appendLog(ctx, model.SyncLogEntry{
        Type: model.LogTypeStatusUpdate, Status: model.LogStatusSuccess,
        OrderID: a.OrderID, ConsignmentID: a.ConsignmentID,
        Message: a.Status + " -> " + info.CurrentStatus,
    })
    e.emit(ctx, "consignment.status_changed", map[string]any{
        "orderId": a.OrderID, "consignmentId": a.ConsignmentID,
        "status": info.CurrentStatus, "orderStatus": mapping.OrderStatus,
    })
    return reconcileUpdated
}

// repairNote rewrites the note token for an association whose note write
// failed at sync time.
func (e *Engine) repairNote(ctx context.Context, a model.Association) {
    order, err := e.Source.GetOrder(ctx, a.OrderID)
    if err != nil {
        log.Printf("reconcile: note repair fetch failed for order %s: %v", a.OrderID, err)
        return
    }
    if synctoken.ExtractConsignmentID(order.Note) == a.ConsignmentID {
        _ = e.Store.MarkNoteWritten(ctx, a.OrderID)
        return
    }
    if err := e.Source.UpdateOrderNote(ctx, a.OrderID, synctoken.Append(order.Note, a.ConsignmentID, a.SyncedAt)); err != nil {
        log.Printf("reconcile: note repair write failed for order %s: %v", a.OrderID, err)
        return
    }
    _ = e.Store.MarkNoteWritten(ctx, a.OrderID)
    _ = e.Source.AddOrderTag(ctx, a.OrderID, SyncedTag)
}

// ClearAssociation drops the stored association and strips the note token
// so the order can be re-synced to a fresh consignment.
func (e *Engine) ClearAssociation(ctx context.Context, orderID string) error {
    unlock := e.locks.Lock(orderID)
    defer unlock()

    order, err := e.Source.GetOrder(ctx, orderID)
    if err != nil { return err }
    if stripped := synctoken.Strip(order.Note); stripped != order.Note {
        if err := e.Source.UpdateOrderNote(ctx, orderID, stripped); err != nil { return err }
    }
    return e.Store.DeleteAssociation(ctx, orderID)
}

// skipTerminalOrder reports whether an order is in a state never worth
// syncing: refunded or voided payment, or a cancelled fulfillment.
func skipTerminalOrder(o model.Order) bool {
    return o.FinancialStatus == "refunded" || o.FinancialStatus == "voided" ||
        o.FulfillmentStatus == "cancelled"
}

func (e *Engine) appendLog(ctx context.Context, entry model.SyncLogEntry) {
    if _, err := e.Store.AppendSyncLog(ctx, entry); err != nil {
        log.Printf("sync: log append failed: %v", err)
    }
}

func (e *Engine) emit(ctx context.Context, eventType string, data any) {
    if e.Events != nil { e.Events.Emit(ctx, eventType, data) }
}

func ms(start time.Time) int {
    return int(time.Since(start).Milliseconds())
}
