// Package plugin provides an extensible plugin system for the credit engine.
// Plugins can hook into metering, granting and warning events to extend
// functionality: audit trails, metrics, outbound notifications.
package plugin

import (
	"context"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *credits.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed is called after an action was debited.
type OnCreditsConsumed interface {
	Plugin
	OnCreditsConsumed(ctx context.Context, txn *transaction.Transaction, entry *cost.Entry) error
}

// OnInsufficientCredits is called when an action was refused for lack of credits.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, tenantID, actionKey string, cost, balance int64) error
}

// OnUnknownAction is called when an action key is missing from the cost registry.
type OnUnknownAction interface {
	Plugin
	OnUnknownAction(ctx context.Context, tenantID, actionKey string) error
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted is called after a free grant or a bonus was credited.
type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, txn *transaction.Transaction) error
}

// OnCreditsPurchased is called after a purchase was credited.
type OnCreditsPurchased interface {
	Plugin
	OnCreditsPurchased(ctx context.Context, txn *transaction.Transaction) error
}

// OnCreditsRefunded is called after a refund was credited.
type OnCreditsRefunded interface {
	Plugin
	OnCreditsRefunded(ctx context.Context, txn *transaction.Transaction) error
}

// OnCreditsAdjusted is called after a manual adjustment in either direction.
type OnCreditsAdjusted interface {
	Plugin
	OnCreditsAdjusted(ctx context.Context, txn *transaction.Transaction) error
}

// ──────────────────────────────────────────────────
// Promotional grant hooks
// ──────────────────────────────────────────────────

// OnGrantIssued is called when a promotional grant is created.
type OnGrantIssued interface {
	Plugin
	OnGrantIssued(ctx context.Context, g *grant.Grant) error
}

// OnGrantRedeemed is called when a promotional grant is applied to a balance.
type OnGrantRedeemed interface {
	Plugin
	OnGrantRedeemed(ctx context.Context, g *grant.Grant, txn *transaction.Transaction) error
}

// ──────────────────────────────────────────────────
// Warning hooks
// ──────────────────────────────────────────────────

// OnThresholdCrossed is called once per low-balance threshold per grant
// cycle. It runs outside of any account lock, so implementations may do
// network I/O.
type OnThresholdCrossed interface {
	Plugin
	OnThresholdCrossed(ctx context.Context, tenantID string, threshold account.Threshold, snap *account.Snapshot) error
}
