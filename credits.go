package credits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Defaults applied to accounts that are created lazily.
const (
	DefaultStartingBalance int64 = 1000
	DefaultGrantInterval         = 30 * 24 * time.Hour
)

// TierResolver reports whether a tenant is on the metered free tier. It is
// backed by the identity system; the engine trusts its answer.
type TierResolver interface {
	IsFreeTier(ctx context.Context, tenantID string) (bool, error)
}

// TierResolverFunc adapts a function to TierResolver.
type TierResolverFunc func(ctx context.Context, tenantID string) (bool, error)

// IsFreeTier implements TierResolver.
func (f TierResolverFunc) IsFreeTier(ctx context.Context, tenantID string) (bool, error) {
	return f(ctx, tenantID)
}

// Engine is the credit metering and granting engine.
type Engine struct {
	store    store.Store
	registry cost.Registry
	plugins  *plugin.Registry
	logger   *slog.Logger

	tier          TierResolver
	unknownPolicy cost.UnknownPolicy
	defaults      account.Defaults
	autoWarnings  bool
	now           func() time.Time
}

// New creates a new Engine over s. A nil registry makes every action
// unknown, so the unknown-action policy decides every Consume.
func New(s store.Store, registry cost.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: registry,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		defaults: account.Defaults{
			StartingBalance: DefaultStartingBalance,
			FreeTier:        true,
			GrantInterval:   DefaultGrantInterval,
		},
		autoWarnings: true,
		now:          time.Now,
	}
	if e.registry == nil {
		e.registry = cost.MustStaticRegistry()
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithDefaultBalance sets the starting balance of lazily created accounts.
func WithDefaultBalance(amount int64) Option {
	return func(e *Engine) {
		if amount >= 0 {
			e.defaults.StartingBalance = amount
		}
	}
}

// WithDefaultFreeTier sets the tier flag of lazily created accounts.
func WithDefaultFreeTier(free bool) Option {
	return func(e *Engine) {
		e.defaults.FreeTier = free
	}
}

// WithGrantInterval sets the free-grant cycle length.
func WithGrantInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaults.GrantInterval = d
		}
	}
}

// WithUnknownActionPolicy sets how actions missing from the registry are metered.
func WithUnknownActionPolicy(p cost.UnknownPolicy) Option {
	return func(e *Engine) {
		e.unknownPolicy = p
	}
}

// WithTierResolver makes the identity system the source of the tier flag.
func WithTierResolver(r TierResolver) Option {
	return func(e *Engine) {
		e.tier = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithAutoWarnings toggles the low-balance check that runs after each debit.
func WithAutoWarnings(enabled bool) Option {
	return func(e *Engine) {
		e.autoWarnings = enabled
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Registry returns the cost registry.
func (e *Engine) Registry() cost.Registry { return e.registry }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// GrantInterval returns the free-grant cycle length.
func (e *Engine) GrantInterval() time.Duration { return e.defaults.GrantInterval }

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("credits engine started",
		"starting_balance", e.defaults.StartingBalance,
		"grant_interval", e.defaults.GrantInterval,
		"unknown_action_policy", e.unknownPolicy.String(),
	)

	return nil
}

// Stop notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.plugins.EmitShutdown(context.Background())

	return e.store.Close()
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// ensureAccount materializes the tenant's account if it does not exist yet.
func (e *Engine) ensureAccount(ctx context.Context, tenantID string) (*account.Account, error) {
	a, err := e.store.GetAccount(ctx, tenantID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	a, err = e.store.EnsureAccount(ctx, account.New(tenantID, e.defaults, e.clock()))
	if err != nil {
		return nil, err
	}
	e.logger.Debug("credit account created",
		"tenant_id", tenantID,
		"balance", a.Balance,
		"free_tier", a.FreeTier,
	)
	return a, nil
}

func validTenant(tenantID string) error {
	if tenantID == "" {
		return ErrInvalidTenant
	}
	return nil
}
