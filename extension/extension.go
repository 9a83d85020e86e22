// Package extension provides the Forge extension adapter for credits.
//
// It implements the forge.Extension interface to integrate the credit
// engine into a Forge application with DI registration and lifecycle
// management. The engine, the HTTP handler and the free grant scheduler are
// all provided to the container.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/scheduler"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/backend"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Per-tenant prepaid credit ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *credits.Engine
	store      store.Store
	registry   cost.Registry
	handler    *api.Handler
	scheduler  *scheduler.Scheduler
	engineOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Engine { return e.engine }

// Handler returns the HTTP handler for the credits routes, or nil when
// routes are disabled or Register has not run.
func (e *Extension) Handler() http.Handler {
	if e.handler == nil {
		return nil
	}
	return e.handler.Router()
}

// Scheduler returns the free grant scheduler, or nil when it is disabled.
func (e *Extension) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(context.Background()); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*credits.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	if e.handler != nil {
		if err := vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
			return e.handler, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// build resolves the store and registry and assembles the engine, the
// handler and the scheduler from the resolved config.
func (e *Extension) build(ctx context.Context) error {
	if e.store == nil {
		s, err := backend.Open(ctx, e.config.Store)
		if err != nil {
			return err
		}
		e.store = s
	}

	if e.registry == nil && e.config.CostFile != "" {
		reg, err := cost.LoadYAMLFile(e.config.CostFile)
		if err != nil {
			return err
		}
		e.registry = reg
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = credits.New(e.store, e.registry, opts...)

	if !e.config.DisableRoutes {
		e.handler = api.NewHandler(e.engine, api.WithBasePath(e.config.BasePath))
	}
	if !e.config.DisableScheduler {
		e.scheduler = scheduler.New(e.engine, e.config.Scheduler)
	}
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	if e.scheduler != nil {
		// The loop outlives the startup context.
		e.scheduler.Start(context.WithoutCancel(ctx))
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]credits.Option, error) {
	policy, err := cost.ParseUnknownPolicy(e.config.UnknownActions)
	if err != nil {
		return nil, err
	}

	opts := make([]credits.Option, 0, len(e.engineOpts)+3)
	opts = append(opts,
		credits.WithDefaultBalance(e.config.StartingBalance),
		credits.WithGrantInterval(e.config.GrantInterval),
		credits.WithUnknownActionPolicy(policy),
	)

	// Pass-through options win over config.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("base_path", e.config.BasePath),
		forge.F("starting_balance", e.config.StartingBalance),
		forge.F("grant_interval", e.config.GrantInterval),
		forge.F("unknown_actions", e.config.UnknownActions),
		forge.F("store_driver", e.config.Store.Driver),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.credits", "credits"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.StartingBalance == 0 {
		cfg.StartingBalance = defaults.StartingBalance
	}
	if cfg.GrantInterval == 0 {
		cfg.GrantInterval = defaults.GrantInterval
	}
	if cfg.UnknownActions == "" {
		cfg.UnknownActions = defaults.UnknownActions
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaults.Store.Driver
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = defaults.Scheduler.Interval
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = defaults.Scheduler.BatchSize
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = defaults.Scheduler.Workers
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.UnknownActions == "" {
		yamlConfig.UnknownActions = programmaticConfig.UnknownActions
	}
	if yamlConfig.CostFile == "" {
		yamlConfig.CostFile = programmaticConfig.CostFile
	}
	if yamlConfig.Store.Driver == "" {
		yamlConfig.Store = programmaticConfig.Store
	}

	// Numeric fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.StartingBalance == 0 {
		yamlConfig.StartingBalance = programmaticConfig.StartingBalance
	}
	if yamlConfig.GrantInterval == 0 {
		yamlConfig.GrantInterval = programmaticConfig.GrantInterval
	}
	if yamlConfig.Scheduler == (scheduler.Config{}) {
		yamlConfig.Scheduler = programmaticConfig.Scheduler
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
