// Package scheduler runs the periodic sync and reconciliation loops. A
// single scheduler owns both timers; per-order serialization inside the
// engine keeps an overlapping tick from racing a manual trigger.
package scheduler

import (
    "context"
    "log"
    "time"

    "shipsync/internal/config"
    "shipsync/internal/model"
    "shipsync/internal/store"
    syncengine "shipsync/internal/sync"
)

type Scheduler struct {
    Engine *syncengine.Engine
    Store  store.Store
    Config *config.Manager
    Stop   chan struct{}
}

func New(e *syncengine.Engine, st store.Store, cfg *config.Manager) *Scheduler {
    return &Scheduler{Engine: e, Store: st, Config: cfg, Stop: make(chan struct{})}
}

// Start launches the sync loop, the status reconciliation loop, and a
// daily log-prune loop. Interval changes apply on restart.
func (s *Scheduler) Start() {
    cfg := s.Config.Snapshot()
    go s.loop(cfg.SyncInterval, s.runSync)
    go s.loop(cfg.StatusInterval, s.runStatusUpdate)
    go s.loop(24*time.Hour, s.runPrune)
}

func (s *Scheduler) loop(interval time.Duration, fn func(ctx context.Context)) {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-s.Stop:
            return
        case <-ticker.C:
            ctx, cancel := context.WithTimeout(context.Background(), interval)
            fn(ctx)
            cancel()
        }
    }
}

func (s *Scheduler) runSync(ctx context.Context) {
    res, err := s.Engine.SyncPendingOrders(ctx, model.SyncOptions{})
    if err != nil {
        log.Printf("scheduler: batch sync failed: %v", err)
        return
    }
    if res.Total > 0 {
        log.Printf("scheduler: batch sync synced=%d failed=%d total=%d", res.Synced, res.Failed, res.Total)
    }
}

func (s *Scheduler) runStatusUpdate(ctx context.Context) {
    res, err := s.Engine.UpdateConsignmentStatuses(ctx)
    if err != nil {
        log.Printf("scheduler: status reconciliation failed: %v", err)
        return
    }
    if res.Updated > 0 || res.Failed > 0 {
        log.Printf("scheduler: reconciliation updated=%d failed=%d skipped=%d", res.Updated, res.Failed, res.Skipped)
    }
}

func (s *Scheduler) runPrune(ctx context.Context) {
    days := s.Config.Snapshot().LogRetentionDays
    if days <= 0 { return }
    pruned, err := s.Store.PruneSyncLogs(ctx, time.Now().AddDate(0, 0, -days))
    if err != nil {
        log.Printf("scheduler: log prune failed: %v", err)
        return
    }
    if pruned > 0 { log.Printf("scheduler: pruned %d sync log entries", pruned) }
}
