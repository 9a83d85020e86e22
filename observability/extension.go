// Package observability provides a metrics plugin for the credit engine
// that records event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/transaction"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnCreditsConsumed     = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits = (*MetricsExtension)(nil)
	_ plugin.OnUnknownAction       = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted      = (*MetricsExtension)(nil)
	_ plugin.OnCreditsPurchased    = (*MetricsExtension)(nil)
	_ plugin.OnCreditsRefunded     = (*MetricsExtension)(nil)
	_ plugin.OnCreditsAdjusted     = (*MetricsExtension)(nil)
	_ plugin.OnGrantIssued         = (*MetricsExtension)(nil)
	_ plugin.OnGrantRedeemed       = (*MetricsExtension)(nil)
	_ plugin.OnThresholdCrossed    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide credit metrics.
// Register it as an engine plugin to track metering automatically.
type MetricsExtension struct {
	// Metering metrics
	ActionsMetered     Counter
	CreditsConsumed    Counter
	ActionCost         Histogram
	InsufficientCredit Counter
	UnknownActions     Counter

	// Credit metrics
	CreditsGranted   Counter
	CreditsPurchased Counter
	CreditsRefunded  Counter
	Adjustments      Counter
	PurchaseAmount   Histogram

	// Promotional grant metrics
	GrantsIssued   Counter
	GrantsRedeemed Counter

	// Warning metrics
	Warnings25 Counter
	Warnings10 Counter
	Warnings5  Counter
	Warnings0  Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		ActionsMetered:     factory.Counter("credits.actions.metered"),
		CreditsConsumed:    factory.Counter("credits.consumed"),
		ActionCost:         factory.Histogram("credits.action.cost"),
		InsufficientCredit: factory.Counter("credits.insufficient"),
		UnknownActions:     factory.Counter("credits.actions.unknown"),

		CreditsGranted:   factory.Counter("credits.granted"),
		CreditsPurchased: factory.Counter("credits.purchased"),
		CreditsRefunded:  factory.Counter("credits.refunded"),
		Adjustments:      factory.Counter("credits.adjustments"),
		PurchaseAmount:   factory.Histogram("credits.purchase.amount"),

		GrantsIssued:   factory.Counter("credits.grants.issued"),
		GrantsRedeemed: factory.Counter("credits.grants.redeemed"),

		Warnings25: factory.Counter("credits.warnings.25"),
		Warnings10: factory.Counter("credits.warnings.10"),
		Warnings5:  factory.Counter("credits.warnings.5"),
		Warnings0:  factory.Counter("credits.warnings.0"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (m *MetricsExtension) OnCreditsConsumed(_ context.Context, _ *transaction.Transaction, entry *cost.Entry) error {
	m.ActionsMetered.Inc()
	m.CreditsConsumed.Add(float64(entry.Cost))
	m.ActionCost.Observe(float64(entry.Cost))
	return nil
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _, _ string, _, _ int64) error {
	m.InsufficientCredit.Inc()
	return nil
}

// OnUnknownAction implements plugin.OnUnknownAction.
func (m *MetricsExtension) OnUnknownAction(_ context.Context, _, _ string) error {
	m.UnknownActions.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, txn *transaction.Transaction) error {
	m.CreditsGranted.Add(float64(txn.Amount))
	return nil
}

// OnCreditsPurchased implements plugin.OnCreditsPurchased.
func (m *MetricsExtension) OnCreditsPurchased(_ context.Context, txn *transaction.Transaction) error {
	m.CreditsPurchased.Add(float64(txn.Amount))
	m.PurchaseAmount.Observe(float64(txn.Amount))
	return nil
}

// OnCreditsRefunded implements plugin.OnCreditsRefunded.
func (m *MetricsExtension) OnCreditsRefunded(_ context.Context, txn *transaction.Transaction) error {
	m.CreditsRefunded.Add(float64(txn.Amount))
	return nil
}

// OnCreditsAdjusted implements plugin.OnCreditsAdjusted.
func (m *MetricsExtension) OnCreditsAdjusted(_ context.Context, _ *transaction.Transaction) error {
	m.Adjustments.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Promotional grant hooks
// ──────────────────────────────────────────────────

// OnGrantIssued implements plugin.OnGrantIssued.
func (m *MetricsExtension) OnGrantIssued(_ context.Context, _ *grant.Grant) error {
	m.GrantsIssued.Inc()
	return nil
}

// OnGrantRedeemed implements plugin.OnGrantRedeemed.
func (m *MetricsExtension) OnGrantRedeemed(_ context.Context, _ *grant.Grant, _ *transaction.Transaction) error {
	m.GrantsRedeemed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Warning hooks
// ──────────────────────────────────────────────────

// OnThresholdCrossed implements plugin.OnThresholdCrossed.
func (m *MetricsExtension) OnThresholdCrossed(_ context.Context, _ string, threshold account.Threshold, _ *account.Snapshot) error {
	switch threshold {
	case account.Threshold25:
		m.Warnings25.Inc()
	case account.Threshold10:
		m.Warnings10.Inc()
	case account.Threshold5:
		m.Warnings5.Inc()
	case account.Threshold0:
		m.Warnings0.Inc()
	}
	return nil
}
