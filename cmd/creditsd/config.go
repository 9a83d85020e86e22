package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/scheduler"
	"github.com/xraph/credits/store/backend"
)

// Config is the creditsd configuration file.
//
//	listen: ":8080"
//	log:
//	  level: info
//	  format: json
//	store:
//	  driver: postgres
//	  dsn: ${DATABASE_URL}
//	cost_file: /etc/credits/costs.yaml
//	scheduler:
//	  interval: 1m
//	kafka:
//	  brokers: [kafka:9092]
type Config struct {
	Listen          string        `yaml:"listen"`
	BasePath        string        `yaml:"base_path"`
	MetricsPath     string        `yaml:"metrics_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log LogConfig `yaml:"log"`

	StartingBalance int64         `yaml:"starting_balance"`
	GrantInterval   time.Duration `yaml:"grant_interval"`
	UnknownActions  string        `yaml:"unknown_actions"`
	CostFile        string        `yaml:"cost_file"`
	Audit           bool          `yaml:"audit"`

	Store     backend.Config  `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig wraps the scheduler settings with an off switch.
type SchedulerConfig struct {
	scheduler.Config `yaml:",inline"`
	Disabled         bool `yaml:"disabled"`
}

// KafkaConfig enables the low-balance notifier when brokers are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8080",
		BasePath:        api.DefaultBasePath,
		MetricsPath:     "/metrics",
		ShutdownTimeout: 15 * time.Second,
		Log:             LogConfig{Level: "info", Format: "json"},
		StartingBalance: credits.DefaultStartingBalance,
		GrantInterval:   credits.DefaultGrantInterval,
		UnknownActions:  "fail_open",
		Store:           backend.Config{Driver: backend.DriverMemory},
		Scheduler: SchedulerConfig{Config: scheduler.Config{
			Interval:  scheduler.DefaultInterval,
			BatchSize: scheduler.DefaultBatchSize,
			Workers:   scheduler.DefaultWorkers,
		}},
	}
}

// LoadConfig reads path over the defaults, expanding ${VAR} references, and
// then applies CREDITS_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from CREDITS_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("CREDITS_LISTEN", &cfg.Listen)
	str("CREDITS_BASE_PATH", &cfg.BasePath)
	str("CREDITS_LOG_LEVEL", &cfg.Log.Level)
	str("CREDITS_LOG_FORMAT", &cfg.Log.Format)
	str("CREDITS_UNKNOWN_ACTIONS", &cfg.UnknownActions)
	str("CREDITS_COST_FILE", &cfg.CostFile)
	str("CREDITS_STORE_DRIVER", &cfg.Store.Driver)
	str("CREDITS_STORE_DSN", &cfg.Store.DSN)
	str("CREDITS_KAFKA_TOPIC", &cfg.Kafka.Topic)

	if v, ok := lookup("CREDITS_KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v, ok := lookup("CREDITS_STARTING_BALANCE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CREDITS_STARTING_BALANCE: %w", err)
		}
		cfg.StartingBalance = n
	}
	if v, ok := lookup("CREDITS_SCHEDULER_DISABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CREDITS_SCHEDULER_DISABLED: %w", err)
		}
		cfg.Scheduler.Disabled = b
	}

	if err := dur("CREDITS_GRANT_INTERVAL", &cfg.GrantInterval); err != nil {
		return err
	}
	if err := dur("CREDITS_STORE_LOCK_TIMEOUT", &cfg.Store.LockTimeout); err != nil {
		return err
	}
	return dur("CREDITS_SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("log format %q: want json or text", c.Format)
}
