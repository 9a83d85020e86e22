package extension

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/backend"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the credits engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithRegistry sets the cost registry. It takes precedence over CostFile.
func WithRegistry(r cost.Registry) Option {
	return func(e *Extension) {
		e.registry = r
	}
}

// WithEngineOption passes a credits.Option through to the underlying engine.
func WithEngineOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a credits plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithPlugin(p))
	}
}

// WithTierResolver sets the identity lookup for free-tier membership.
func WithTierResolver(r credits.TierResolver) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithTierResolver(r))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP handler from being built.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableScheduler keeps the free grant scheduler from running.
func WithDisableScheduler() Option {
	return func(e *Extension) { e.config.DisableScheduler = true }
}

// WithBasePath sets the URL prefix for credits routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithStartingBalance sets the opening balance of new accounts.
func WithStartingBalance(amount int64) Option {
	return func(e *Extension) { e.config.StartingBalance = amount }
}

// WithGrantInterval sets the time between free grants.
func WithGrantInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.GrantInterval = d }
}

// WithUnknownActions sets the unknown action policy, "fail_open" or
// "fail_closed".
func WithUnknownActions(policy string) Option {
	return func(e *Extension) { e.config.UnknownActions = policy }
}

// WithCostFile loads the price list from a YAML file.
func WithCostFile(path string) Option {
	return func(e *Extension) { e.config.CostFile = path }
}

// WithBackend selects the store backend by driver name and DSN.
func WithBackend(cfg backend.Config) Option {
	return func(e *Extension) { e.config.Store = cfg }
}
