package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
    cfg, err := FromEnv()
    require.NoError(t, err)
    assert.Equal(t, ":8080", cfg.ListenAddr)
    assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
    assert.Equal(t, time.Hour, cfg.StatusInterval)
    assert.Equal(t, 50, cfg.SyncBatchLimit)
    assert.True(t, cfg.NotificationsEnabled)
    assert.Equal(t, "dev", cfg.AuthMode)
    assert.Equal(t, "sub", cfg.AuthSubjectClaim)
}

func TestFromEnvAuthSettings(t *testing.T) {
    t.Setenv("AUTH_MODE", "hmac")
    t.Setenv("AUTH_HMAC_SECRET", "topsecret")
    cfg, err := FromEnv()
    require.NoError(t, err)
    assert.Equal(t, "hmac", cfg.AuthMode)
    assert.Equal(t, "topsecret", cfg.AuthHMACSecret)
}

func TestFromEnvYAMLOverlay(t *testing.T) {
    f := filepath.Join(t.TempDir(), "config.yaml")
    require.NoError(t, os.WriteFile(f, []byte("syncBatchLimit: 10\ncarrierURL: https://carrier.test\n"), 0o600))
    t.Setenv("CONFIG_FILE", f)
    cfg, err := FromEnv()
    require.NoError(t, err)
    assert.Equal(t, 10, cfg.SyncBatchLimit)
    assert.Equal(t, "https://carrier.test", cfg.CarrierURL)
}

func TestManagerUpdateRejectsInvalid(t *testing.T) {
    m := NewManager(Config{SyncBatchLimit: 50, StatusBatchLimit: 100, SyncInterval: time.Minute, StatusInterval: time.Minute, CarrierRPS: 5})
    err := m.Update(func(c *Config) { c.SyncBatchLimit = 0 })
    require.Error(t, err)
    assert.Equal(t, 50, m.Snapshot().SyncBatchLimit, "failed update must not be applied")

    require.NoError(t, m.Update(func(c *Config) { c.SyncBatchLimit = 25 }))
    assert.Equal(t, 25, m.Snapshot().SyncBatchLimit)
}
