package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/scheduler"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/credits", cfg.BasePath)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, int64(1000), cfg.StartingBalance)
	assert.Equal(t, 30*24*time.Hour, cfg.GrantInterval)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, scheduler.DefaultInterval, cfg.Scheduler.Interval)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TEST_CREDITS_DSN", "postgres://credits@db/credits")

	path := writeFile(t, "creditsd.yaml", `
listen: ":9090"
starting_balance: 500
grant_interval: 168h
unknown_actions: fail_closed
audit: true
store:
  driver: postgres
  dsn: ${TEST_CREDITS_DSN}
  lock_timeout: 2s
scheduler:
  interval: 5m
  workers: 2
  disabled: true
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  topic: billing.warnings
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, int64(500), cfg.StartingBalance)
	assert.Equal(t, 168*time.Hour, cfg.GrantInterval)
	assert.Equal(t, "fail_closed", cfg.UnknownActions)
	assert.True(t, cfg.Audit)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://credits@db/credits", cfg.Store.DSN)
	assert.Equal(t, 2*time.Second, cfg.Store.LockTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, scheduler.DefaultBatchSize, cfg.Scheduler.BatchSize)
	assert.True(t, cfg.Scheduler.Disabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "billing.warnings", cfg.Kafka.Topic)

	// Untouched keys keep their defaults.
	assert.Equal(t, "/metrics", cfg.MetricsPath)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "listen: [oops"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "unknown.yaml", "listne: \":80\"\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CREDITS_LISTEN":             ":7000",
		"CREDITS_STORE_DRIVER":       "redis",
		"CREDITS_STORE_DSN":          "redis://cache:6379/1",
		"CREDITS_KAFKA_BROKERS":      "a:9092,b:9092",
		"CREDITS_STARTING_BALANCE":   "250",
		"CREDITS_GRANT_INTERVAL":     "24h",
		"CREDITS_SCHEDULER_DISABLED": "true",
		"CREDITS_LOG_LEVEL":          "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, applyEnv(&cfg, lookup))

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis://cache:6379/1", cfg.Store.DSN)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, int64(250), cfg.StartingBalance)
	assert.Equal(t, 24*time.Hour, cfg.GrantInterval)
	assert.True(t, cfg.Scheduler.Disabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverrideErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CREDITS_STARTING_BALANCE", "lots"},
		{"CREDITS_GRANT_INTERVAL", "monthly"},
		{"CREDITS_SCHEDULER_DISABLED", "perhaps"},
		{"CREDITS_STORE_LOCK_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := DefaultConfig()
			err := applyEnv(&cfg, func(k string) (string, bool) {
				if k == tt.key {
					return tt.value, true
				}
				return "", false
			})
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestLogger(t *testing.T) {
	for _, c := range []LogConfig{{Level: "info", Format: "json"}, {Level: "debug", Format: "text"}, {Level: "warn"}} {
		logger, err := c.Logger()
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}

	_, err := LogConfig{Level: "loud"}.Logger()
	assert.Error(t, err)
	_, err = LogConfig{Level: "info", Format: "xml"}.Logger()
	assert.Error(t, err)
}
