package api

import (
    "context"
    "os"
    "strings"
    "time"

    "shipsync/internal/auth"
    "shipsync/internal/carrier"
    "shipsync/internal/config"
    "shipsync/internal/events"
    "shipsync/internal/source"
    "shipsync/internal/store"
    syncengine "shipsync/internal/sync"
    "shipsync/internal/webhooks"
)

type Server struct {
    Store   store.Store
    Engine  *syncengine.Engine
    Carrier *carrier.Client
    Source  *source.Client
    Pub     *webhooks.Publisher
    Auth    *auth.Verifier
    Broker  EventBroker
    Config  *config.Manager
    Kafka   events.Publisher
}

// NewServer wires the service from an explicit config. If DatabaseURL is
// unset, uses the in-memory store; if KafkaBroker is unset, the Kafka
// stream is simply not wired.
func NewServer(cfg config.Config) (*Server, error) {
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }

    var broker EventBroker
    if cfg.RedisURL != "" {
        if rb, err := NewRedisBroker(cfg.RedisURL); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }

    srv := &Server{
        Store:   s,
        Carrier: carrier.New(cfg.CarrierURL, cfg.CarrierAPIKey, cfg.HTTPTimeout, cfg.CarrierRPS),
        Source:  source.New(cfg.SourceURL, cfg.SourceToken, cfg.HTTPTimeout),
        Pub:     webhooks.NewPublisher(s),
        Auth: auth.New(auth.Settings{
            Mode:         cfg.AuthMode,
            HMACSecret:   cfg.AuthHMACSecret,
            JWKSURL:      cfg.AuthJWKSURL,
            SubjectClaim: cfg.AuthSubjectClaim,
            RoleClaim:    cfg.AuthRoleClaim,
        }),
        Broker:  broker,
        Config:  config.NewManager(cfg),
    }
    if cfg.KafkaBroker != "" {
        srv.Kafka = events.NewKafkaProducer(cfg.KafkaBroker, cfg.KafkaTopic)
    }
    srv.Engine = syncengine.NewEngine(srv.Source, srv.Carrier, s, srv.Config, srv.sink())
    return srv, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}

// sink returns the engine's event fanout: outbound webhooks, the live
// broker, and the optional Kafka stream.
func (s *Server) sink() syncengine.EventSink {
    return &eventFanout{s: s}
}

type eventFanout struct {
    s *Server
}

func (f *eventFanout) Emit(ctx context.Context, eventType string, data any) {
    f.s.Pub.Emit(ctx, eventType, data)
    d, _ := data.(map[string]any)
    f.s.Broker.Publish(TopicEvents, SSEEvent{Type: eventType, Data: d})
    if orderID, ok := d["orderId"].(string); ok && orderID != "" {
        f.s.Broker.Publish("order:"+orderID, SSEEvent{Type: eventType, Data: d})
    }
    if f.s.Kafka != nil {
        key, _ := d["orderId"].(string)
        payload := map[string]any{"type": eventType, "ts": time.Now().UTC().Format(time.RFC3339), "data": data}
        _ = f.s.Kafka.Publish(ctx, key, payload)
    }
}
