// Package config carries the service configuration as an explicit object
// rather than ambient environment reads scattered through the code. Env
// vars seed the config at startup, an optional YAML file overlays them,
// and runtime updates go through Manager.Update.
package config

import (
    "fmt"
    "os"
    "strconv"
    "sync"
    "time"

    yaml "gopkg.in/yaml.v3"
)

type Config struct {
    ListenAddr  string `yaml:"listenAddr"`
    DatabaseURL string `yaml:"databaseURL"`
    RedisURL    string `yaml:"redisURL"`

    // Order source API
    SourceURL           string `yaml:"sourceURL"`
    SourceToken         string `yaml:"sourceToken"`
    SourceWebhookSecret string `yaml:"sourceWebhookSecret"`

    // Carrier API
    CarrierURL    string  `yaml:"carrierURL"`
    CarrierAPIKey string  `yaml:"carrierAPIKey"`
    CarrierRPS    float64 `yaml:"carrierRPS"`

    // Kafka sync-event stream (optional)
    KafkaBroker string `yaml:"kafkaBroker"`
    KafkaTopic  string `yaml:"kafkaTopic"`

    // Admin API auth (dev, hmac, or jwks)
    AuthMode         string `yaml:"authMode"`
    AuthHMACSecret   string `yaml:"authHMACSecret"`
    AuthJWKSURL      string `yaml:"authJWKSURL"`
    AuthSubjectClaim string `yaml:"authSubjectClaim"`
    AuthRoleClaim    string `yaml:"authRoleClaim"`

    // Outbound HTTP timeout for carrier and source calls
    HTTPTimeout time.Duration `yaml:"httpTimeout"`

    // Scheduler intervals and batch bounds
    SyncInterval     time.Duration `yaml:"syncInterval"`
    StatusInterval   time.Duration `yaml:"statusInterval"`
    SyncBatchLimit   int           `yaml:"syncBatchLimit"`
    StatusBatchLimit int           `yaml:"statusBatchLimit"`

    // Customer-facing status notifications
    NotificationsEnabled bool `yaml:"notificationsEnabled"`

    // Sync log retention for pruning
    LogRetentionDays int `yaml:"logRetentionDays"`
}

// FromEnv builds a Config from environment variables, then overlays the
// YAML file named by CONFIG_FILE when set.
func FromEnv() (Config, error) {
    cfg := Config{
        ListenAddr:           ":" + envOr("PORT", "8080"),
        DatabaseURL:          os.Getenv("DATABASE_URL"),
        RedisURL:             os.Getenv("REDIS_URL"),
        SourceURL:            os.Getenv("SOURCE_API_URL"),
        SourceToken:          os.Getenv("SOURCE_API_TOKEN"),
        SourceWebhookSecret:  os.Getenv("SOURCE_WEBHOOK_SECRET"),
        CarrierURL:           os.Getenv("CARRIER_API_URL"),
        CarrierAPIKey:        os.Getenv("CARRIER_API_KEY"),
        CarrierRPS:           envFloat("CARRIER_RPS", 5),
        KafkaBroker:          os.Getenv("KAFKA_BROKER"),
        KafkaTopic:           envOr("KAFKA_TOPIC", "shipsync.events"),
        AuthMode:             envOr("AUTH_MODE", "dev"),
        AuthHMACSecret:       os.Getenv("AUTH_HMAC_SECRET"),
        AuthJWKSURL:          os.Getenv("AUTH_JWKS_URL"),
        AuthSubjectClaim:     envOr("AUTH_SUBJECT_CLAIM", "sub"),
        AuthRoleClaim:        envOr("AUTH_ROLE_CLAIM", "role"),
        HTTPTimeout:          envDuration("HTTP_TIMEOUT", 30*time.Second),
        SyncInterval:         envDuration("SYNC_INTERVAL", 15*time.Minute),
        StatusInterval:       envDuration("STATUS_INTERVAL", time.Hour),
        SyncBatchLimit:       envInt("SYNC_BATCH_LIMIT", 50),
        StatusBatchLimit:     envInt("STATUS_BATCH_LIMIT", 100),
        NotificationsEnabled: envOr("NOTIFICATIONS_ENABLED", "true") != "false",
        LogRetentionDays:     envInt("LOG_RETENTION_DAYS", 90),
    }
    if f := os.Getenv("CONFIG_FILE"); f != "" {
        data, err := os.ReadFile(f)
        if err != nil {
            return cfg, fmt.Errorf("read config file: %w", err)
        }
        if err := yaml.Unmarshal(data, &cfg); err != nil {
            return cfg, fmt.Errorf("parse config file: %w", err)
        }
    }
    return cfg, cfg.Validate()
}

func (c Config) Validate() error {
    if c.SyncBatchLimit <= 0 { return fmt.Errorf("syncBatchLimit must be > 0") }
    if c.StatusBatchLimit <= 0 { return fmt.Errorf("statusBatchLimit must be > 0") }
    if c.SyncInterval <= 0 || c.StatusInterval <= 0 {
        return fmt.Errorf("intervals must be > 0")
    }
    if c.CarrierRPS <= 0 { return fmt.Errorf("carrierRPS must be > 0") }
    return nil
}

// Manager guards a Config for concurrent readers and serialized updates.
type Manager struct {
    mu  sync.RWMutex
    cfg Config
}

func NewManager(cfg Config) *Manager { return &Manager{cfg: cfg} }

// Snapshot returns a copy; callers never see a half-applied update.
func (m *Manager) Snapshot() Config {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.cfg
}

// Update applies fn to a copy of the current config and installs the
// result if it validates.
func (m *Manager) Update(fn func(*Config)) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    next := m.cfg
    fn(&next)
    if err := next.Validate(); err != nil {
        return err
    }
    m.cfg = next
    return nil
}

func envOr(k, d string) string {
    if v := os.Getenv(k); v != "" { return v }
    return d
}

func envInt(k string, d int) int {
    if v := os.Getenv(k); v != "" {
        if n, err := strconv.Atoi(v); err == nil { return n }
    }
    return d
}

func envFloat(k string, d float64) float64 {
    if v := os.Getenv(k); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil { return f }
    }
    return d
}

func envDuration(k string, d time.Duration) time.Duration {
    if v := os.Getenv(k); v != "" {
        if dur, err := time.ParseDuration(v); err == nil { return dur }
    }
    return d
}
