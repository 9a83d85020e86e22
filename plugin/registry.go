package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry holds the engine's plugins in registration order and fans ledger
// events out to the ones that implement each hook. Hook failures and
// timeouts are logged and never reach the caller.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{logger: slog.Default(), timeout: DefaultHookTimeout}
}

// WithLogger replaces the logger used for hook failures.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call deadline. Non-positive values are ignored.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register appends p. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	for _, have := range r.plugins {
		if have.Name() == name {
			return fmt.Errorf("plugin: %q already registered", name)
		}
	}
	r.plugins = append(r.plugins, p)

	r.logger.Info("plugin registered", "name", name, "hooks", hookNames(p))
	return nil
}

// Get returns the plugin called name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns a copy of the registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	fanout(ctx, r, "OnInit", func(p OnInit) error { return p.OnInit(ctx, engine) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	fanout(ctx, r, "OnShutdown", func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitCreditsConsumed(ctx context.Context, txn *transaction.Transaction, entry *cost.Entry) {
	fanout(ctx, r, "OnCreditsConsumed", func(p OnCreditsConsumed) error {
		return p.OnCreditsConsumed(ctx, txn, entry)
	})
}

func (r *Registry) EmitInsufficientCredits(ctx context.Context, tenantID, actionKey string, cost, balance int64) {
	fanout(ctx, r, "OnInsufficientCredits", func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, tenantID, actionKey, cost, balance)
	})
}

func (r *Registry) EmitUnknownAction(ctx context.Context, tenantID, actionKey string) {
	fanout(ctx, r, "OnUnknownAction", func(p OnUnknownAction) error {
		return p.OnUnknownAction(ctx, tenantID, actionKey)
	})
}

func (r *Registry) EmitCreditsGranted(ctx context.Context, txn *transaction.Transaction) {
	fanout(ctx, r, "OnCreditsGranted", func(p OnCreditsGranted) error { return p.OnCreditsGranted(ctx, txn) })
}

func (r *Registry) EmitCreditsPurchased(ctx context.Context, txn *transaction.Transaction) {
	fanout(ctx, r, "OnCreditsPurchased", func(p OnCreditsPurchased) error { return p.OnCreditsPurchased(ctx, txn) })
}

func (r *Registry) EmitCreditsRefunded(ctx context.Context, txn *transaction.Transaction) {
	fanout(ctx, r, "OnCreditsRefunded", func(p OnCreditsRefunded) error { return p.OnCreditsRefunded(ctx, txn) })
}

func (r *Registry) EmitCreditsAdjusted(ctx context.Context, txn *transaction.Transaction) {
	fanout(ctx, r, "OnCreditsAdjusted", func(p OnCreditsAdjusted) error { return p.OnCreditsAdjusted(ctx, txn) })
}

func (r *Registry) EmitGrantIssued(ctx context.Context, g *grant.Grant) {
	fanout(ctx, r, "OnGrantIssued", func(p OnGrantIssued) error { return p.OnGrantIssued(ctx, g) })
}

func (r *Registry) EmitGrantRedeemed(ctx context.Context, g *grant.Grant, txn *transaction.Transaction) {
	fanout(ctx, r, "OnGrantRedeemed", func(p OnGrantRedeemed) error { return p.OnGrantRedeemed(ctx, g, txn) })
}

func (r *Registry) EmitThresholdCrossed(ctx context.Context, tenantID string, threshold account.Threshold, snap *account.Snapshot) {
	fanout(ctx, r, "OnThresholdCrossed", func(p OnThresholdCrossed) error {
		return p.OnThresholdCrossed(ctx, tenantID, threshold, snap)
	})
}

// fanout calls fn for every registered plugin implementing H, in
// registration order, each under the registry's timeout.
func fanout[H Plugin](ctx context.Context, r *Registry, hook string, fn func(H) error) {
	r.mu.RLock()
	var targets []H
	for _, p := range r.plugins {
		if h, ok := p.(H); ok {
			targets = append(targets, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range targets {
		if err := r.bounded(ctx, func() error { return fn(h) }); err != nil {
			r.logger.Warn("plugin hook failed", "hook", hook, "plugin", h.Name(), "error", err)
		}
	}
}

// bounded runs fn in its own goroutine and gives up after the registry
// timeout or when ctx ends. An abandoned call keeps running to completion.
func (r *Registry) bounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin: hook exceeded %s", r.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hookNames(p Plugin) []string {
	checks := []struct {
		name string
		ok   bool
	}{
		{"OnInit", is[OnInit](p)},
		{"OnShutdown", is[OnShutdown](p)},
		{"OnCreditsConsumed", is[OnCreditsConsumed](p)},
		{"OnInsufficientCredits", is[OnInsufficientCredits](p)},
		{"OnUnknownAction", is[OnUnknownAction](p)},
		{"OnCreditsGranted", is[OnCreditsGranted](p)},
		{"OnCreditsPurchased", is[OnCreditsPurchased](p)},
		{"OnCreditsRefunded", is[OnCreditsRefunded](p)},
		{"OnCreditsAdjusted", is[OnCreditsAdjusted](p)},
		{"OnGrantIssued", is[OnGrantIssued](p)},
		{"OnGrantRedeemed", is[OnGrantRedeemed](p)},
		{"OnThresholdCrossed", is[OnThresholdCrossed](p)},
	}
	var out []string
	for _, c := range checks {
		if c.ok {
			out = append(out, c.name)
		}
	}
	return out
}

func is[H Plugin](p Plugin) bool {
	_, ok := p.(H)
	return ok
}
