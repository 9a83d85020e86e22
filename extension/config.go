package extension

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/scheduler"
	"github.com/xraph/credits/store/backend"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being built and provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler prevents the free grant scheduler from running in
	// this process. Run it on one instance or all; grants are cycle-keyed.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// BasePath is the URL prefix for credits routes (default: "/credits").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// StartingBalance is the balance of a newly created account
	// (default: 1000).
	StartingBalance int64 `json:"starting_balance" mapstructure:"starting_balance" yaml:"starting_balance"`

	// GrantInterval is the time between free grants (default: 720h).
	GrantInterval time.Duration `json:"grant_interval" mapstructure:"grant_interval" yaml:"grant_interval"`

	// UnknownActions is "fail_open" (default) or "fail_closed".
	UnknownActions string `json:"unknown_actions" mapstructure:"unknown_actions" yaml:"unknown_actions"`

	// CostFile is a YAML price list loaded at registration.
	CostFile string `json:"cost_file" mapstructure:"cost_file" yaml:"cost_file"`

	// Store selects the backend when no store is set programmatically.
	Store backend.Config `json:"store" mapstructure:"store" yaml:"store"`

	// Scheduler tunes the free grant loop.
	Scheduler scheduler.Config `json:"scheduler" mapstructure:"scheduler" yaml:"scheduler"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:        "/credits",
		StartingBalance: credits.DefaultStartingBalance,
		GrantInterval:   credits.DefaultGrantInterval,
		UnknownActions:  "fail_open",
		Store:           backend.Config{Driver: backend.DriverMemory},
		Scheduler: scheduler.Config{
			Interval:  scheduler.DefaultInterval,
			BatchSize: scheduler.DefaultBatchSize,
			Workers:   scheduler.DefaultWorkers,
		},
	}
}
