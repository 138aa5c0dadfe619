package store

import (
    "context"
    "crypto/sha256"
    "database/sql"
    "encoding/hex"
    "encoding/json"
    "errors"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "shipsync/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies .sql files from dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)
    for _, f := range files {
        sqlBytes, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil { return err }
        if _, err := p.db.Exec(string(sqlBytes)); err != nil { return err }
    }
    return nil
}

func (p *Postgres) SaveAssociation(ctx context.Context, a model.Association) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO consignment_associations (order_id, consignment_id, status, synced_at, note_written)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (order_id) DO UPDATE SET consignment_id=EXCLUDED.consignment_id, status=EXCLUDED.status, synced_at=EXCLUDED.synced_at, note_written=EXCLUDED.note_written, updated_at=now()`,
        a.OrderID, a.ConsignmentID, a.Status, a.SyncedAt, a.NoteWritten)
    return err
}

func (p *Postgres) GetAssociation(ctx context.Context, orderID string) (model.Association, error) {
    var a model.Association
    row := p.db.QueryRowContext(ctx, `SELECT order_id, consignment_id, status, synced_at, note_written FROM consignment_associations WHERE order_id=$1`, orderID)
    if err := row.Scan(&a.OrderID, &a.ConsignmentID, &a.Status, &a.SyncedAt, &a.NoteWritten); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return a, ErrNotFound }
        return a, err
    }
    return a, nil
}

func (p *Postgres) MarkNoteWritten(ctx context.Context, orderID string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE consignment_associations SET note_written=true, updated_at=now() WHERE order_id=$1`, orderID)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) UpdateAssociationStatus(ctx context.Context, orderID, status string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE consignment_associations SET status=$2, updated_at=now() WHERE order_id=$1`, orderID, status)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) DeleteAssociation(ctx context.Context, orderID string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM consignment_associations WHERE order_id=$1`, orderID)
    return err
}

func (p *Postgres) ListAssociations(ctx context.Context, cursor string, limit int) ([]model.Association, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT order_id, consignment_id, status, synced_at, note_written FROM consignment_associations WHERE order_id > $1 ORDER BY order_id LIMIT $2`, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT order_id, consignment_id, status, synced_at, note_written FROM consignment_associations ORDER BY order_id LIMIT $1`, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Association{}
    for rows.Next() {
        var a model.Association
        if err := rows.Scan(&a.OrderID, &a.ConsignmentID, &a.Status, &a.SyncedAt, &a.NoteWritten); err != nil { return nil, "", err }
        out = append(out, a)
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1].OrderID }
    return out, next, nil
}

func (p *Postgres) AppendSyncLog(ctx context.Context, e model.SyncLogEntry) (string, error) {
    if e.ID == "" { e.ID = uuid.New().String() }
    if e.TS.IsZero() { e.TS = time.Now().UTC() }
    _, err := p.db.ExecContext(ctx, `INSERT INTO sync_logs (id, ts, type, status, order_id, consignment_id, synced, failed, total, message, error, duration_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
        e.ID, e.TS, e.Type, e.Status, nullIfEmpty(e.OrderID), nullIfEmpty(e.ConsignmentID), e.Synced, e.Failed, e.Total, nullIfEmpty(e.Message), nullIfEmpty(e.Error), e.DurationMs)
    return e.ID, err
}

func (p *Postgres) ListSyncLogs(ctx context.Context, typ, status, cursor string, limit int) ([]model.SyncLogEntry, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, ts, type, status, order_id, consignment_id, synced, failed, total, message, error, duration_ms FROM sync_logs`
    conds := []string{}
    args := []any{}
    add := func(cond string, v any) {
        args = append(args, v)
        conds = append(conds, cond+argn(len(args)))
    }
    if typ != "" { add("type=", typ) }
    if status != "" { add("status=", status) }
    if cursor != "" { add("id::text >", cursor) }
    if len(conds) > 0 { q += " WHERE " + strings.Join(conds, " AND ") }
    args = append(args, limit)
    q += " ORDER BY id LIMIT " + argn(len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.SyncLogEntry{}
    for rows.Next() {
        var e model.SyncLogEntry
        var orderID, consID, msg, errStr sql.NullString
        if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Status, &orderID, &consID, &e.Synced, &e.Failed, &e.Total, &msg, &errStr, &e.DurationMs); err != nil { return nil, "", err }
        e.OrderID = orderID.String
        e.ConsignmentID = consID.String
        e.Message = msg.String
        e.Error = errStr.String
        out = append(out, e)
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1].ID }
    return out, next, nil
}

func (p *Postgres) PruneSyncLogs(ctx context.Context, olderThan time.Time) (int, error) {
    res, err := p.db.ExecContext(ctx, `DELETE FROM sync_logs WHERE ts < $1`, olderThan)
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
        id, req.URL, toJSON(req.Events), nullIfEmpty(req.Secret))
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, secret FROM subscriptions WHERE events @> $1`, toJSON([]string{eventType}))
    if err != nil { return nil, err }
    defer rows.Close()
    return scanSubscriptions(rows)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events, secret FROM subscriptions WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events, secret FROM subscriptions ORDER BY id LIMIT $1`, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    subs, err := scanSubscriptions(rows)
    if err != nil { return nil, "", err }
    next := ""
    if len(subs) == limit { next = subs[len(subs)-1].ID }
    return subs, next, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var events []byte
        var secret sql.NullString
        if err := rows.Scan(&s.ID, &s.URL, &events, &secret); err != nil { return nil, err }
        _ = json.Unmarshal(events, &s.Events)
        s.Secret = secret.String
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
    return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, dedup_key, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
    return id, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    if limit <= 0 { limit = 50 }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if success {
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
        return err
    }
    next := time.Now().Add(time.Minute)
    if nextAttemptAt != nil { next = *nextAttemptAt }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`, id, nullIfEmpty(lastError), next, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, url, next_attempt_at, COALESCE(last_error,'') FROM webhook_deliveries`
    args := []any{}
    conds := []string{}
    add := func(cond string, v any) {
        args = append(args, v)
        conds = append(conds, cond+argn(len(args)))
    }
    if status != "" { add("status=", status) }
    if cursor != "" { add("id::text >", cursor) }
    if len(conds) > 0 { q += " WHERE " + strings.Join(conds, " AND ") }
    args = append(args, limit)
    q += " ORDER BY id LIMIT " + argn(len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, eventType, st, url, lastErr string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &nextAt, &lastErr); err != nil { return nil, "", err }
        item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { item["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { item["lastError"] = lastErr }
        out = append(out, item)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) GetSettings(ctx context.Context) (map[string]any, error) {
    var raw []byte
    err := p.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key='runtime'`).Scan(&raw)
    if errors.Is(err, sql.ErrNoRows) { return map[string]any{}, nil }
    if err != nil { return nil, err }
    out := map[string]any{}
    if err := json.Unmarshal(raw, &out); err != nil { return nil, err }
    return out, nil
}

func (p *Postgres) SaveSettings(ctx context.Context, settings map[string]any) error {
    cur, err := p.GetSettings(ctx)
    if err != nil { return err }
    for k, v := range settings { cur[k] = v }
    _, err = p.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('runtime', $1)
        ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`, toJSON(cur))
    return err
}

// computeDedupKey prefers the event envelope id; falls back to a payload hash.
func computeDedupKey(payload []byte) string {
    var env struct {
        ID string `json:"id"`
    }
    if err := json.Unmarshal(payload, &env); err == nil && env.ID != "" {
        return env.ID
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}

func toJSON(v any) []byte {
    b, _ := json.Marshal(v)
    return b
}

func argn(n int) string {
    const digits = "0123456789"
    if n < 10 { return "$" + digits[n:n+1] }
    return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}
