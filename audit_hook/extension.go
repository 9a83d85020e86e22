// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/transaction"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnCreditsConsumed     = (*Extension)(nil)
	_ plugin.OnInsufficientCredits = (*Extension)(nil)
	_ plugin.OnUnknownAction       = (*Extension)(nil)
	_ plugin.OnCreditsGranted      = (*Extension)(nil)
	_ plugin.OnCreditsPurchased    = (*Extension)(nil)
	_ plugin.OnCreditsRefunded     = (*Extension)(nil)
	_ plugin.OnCreditsAdjusted     = (*Extension)(nil)
	_ plugin.OnGrantIssued         = (*Extension)(nil)
	_ plugin.OnGrantRedeemed       = (*Extension)(nil)
	_ plugin.OnThresholdCrossed    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges credit events to an audit trail backend.
type Extension struct {
	recorder Recorder
	filter   actionFilter
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (e *Extension) OnCreditsConsumed(ctx context.Context, txn *transaction.Transaction, entry *cost.Entry) error {
	return e.record(ctx, ActionCreditsConsumed, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), txn.TenantID, CategoryUsage, nil,
		"action_key", entry.ActionKey,
		"cost", entry.Cost,
		"balance_after", txn.BalanceAfter,
		"ref_id", txn.Reference.ID,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, tenantID, actionKey string, cost, balance int64) error {
	return e.record(ctx, ActionInsufficientCredits, SeverityWarning, OutcomeFailure,
		ResourceAccount, tenantID, tenantID, CategoryAccess, nil,
		"action_key", actionKey,
		"cost", cost,
		"balance", balance,
	)
}

// OnUnknownAction implements plugin.OnUnknownAction.
func (e *Extension) OnUnknownAction(ctx context.Context, tenantID, actionKey string) error {
	return e.record(ctx, ActionUnknownAction, SeverityWarning, OutcomeFailure,
		ResourceAction, actionKey, tenantID, CategoryUsage, nil,
		"action_key", actionKey,
	)
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (e *Extension) OnCreditsGranted(ctx context.Context, txn *transaction.Transaction) error {
	return e.recordTxn(ctx, ActionCreditsGranted, CategoryBilling, txn)
}

// OnCreditsPurchased implements plugin.OnCreditsPurchased.
func (e *Extension) OnCreditsPurchased(ctx context.Context, txn *transaction.Transaction) error {
	return e.recordTxn(ctx, ActionCreditsPurchased, CategoryPayment, txn)
}

// OnCreditsRefunded implements plugin.OnCreditsRefunded.
func (e *Extension) OnCreditsRefunded(ctx context.Context, txn *transaction.Transaction) error {
	return e.recordTxn(ctx, ActionCreditsRefunded, CategoryPayment, txn)
}

// OnCreditsAdjusted implements plugin.OnCreditsAdjusted.
func (e *Extension) OnCreditsAdjusted(ctx context.Context, txn *transaction.Transaction) error {
	// Manual corrections are always worth a second look.
	return e.record(ctx, ActionCreditsAdjusted, SeverityWarning, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), txn.TenantID, CategoryBilling, nil,
		"amount", txn.Amount,
		"balance_after", txn.BalanceAfter,
		"description", txn.Description,
	)
}

// ──────────────────────────────────────────────────
// Promotional grant hooks
// ──────────────────────────────────────────────────

// OnGrantIssued implements plugin.OnGrantIssued.
func (e *Extension) OnGrantIssued(ctx context.Context, g *grant.Grant) error {
	return e.record(ctx, ActionGrantIssued, SeverityInfo, OutcomeSuccess,
		ResourceGrant, g.ID.String(), g.TenantID, CategoryBilling, nil,
		"type", string(g.Type),
		"amount", g.Amount,
		"code", g.Code,
	)
}

// OnGrantRedeemed implements plugin.OnGrantRedeemed.
func (e *Extension) OnGrantRedeemed(ctx context.Context, g *grant.Grant, txn *transaction.Transaction) error {
	return e.record(ctx, ActionGrantRedeemed, SeverityInfo, OutcomeSuccess,
		ResourceGrant, g.ID.String(), g.TenantID, CategoryBilling, nil,
		"transaction_id", txn.ID.String(),
		"amount", g.Amount,
		"balance_after", txn.BalanceAfter,
	)
}

// ──────────────────────────────────────────────────
// Warning hooks
// ──────────────────────────────────────────────────

// OnThresholdCrossed implements plugin.OnThresholdCrossed.
func (e *Extension) OnThresholdCrossed(ctx context.Context, tenantID string, threshold account.Threshold, snap *account.Snapshot) error {
	severity := SeverityInfo
	if threshold == account.Threshold0 {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionThresholdCrossed, severity, OutcomeSuccess,
		ResourceAccount, tenantID, tenantID, CategoryUsage, nil,
		"threshold", threshold.String(),
		"balance", snap.Balance,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func (e *Extension) recordTxn(ctx context.Context, action, category string, txn *transaction.Transaction) error {
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, txn.ID.String(), txn.TenantID, category, nil,
		"kind", string(txn.Kind),
		"amount", txn.Amount,
		"balance_after", txn.BalanceAfter,
		"ref_id", txn.Reference.ID,
		"ref_type", txn.Reference.Type,
	)
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, tenantID, category string,
	err error,
	kvPairs ...any,
) error {
	if !e.filter.allows(action) {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		TenantID:   tenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
