package credits

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// ──────────────────────────────────────────────────
// Recurring free grants
// ──────────────────────────────────────────────────

// GrantFreeCredits credits the tenant's recurring free allotment, starts a
// new grant cycle (NextGrantAt = now + grant interval) and clears all four
// warning flags. The amount becomes the 100% warning baseline.
//
// Calling it twice grants twice. Use GrantFreeCreditsForCycle when the
// caller can name the cycle.
func (e *Engine) GrantFreeCredits(ctx context.Context, tenantID string, amount int64) (*transaction.Transaction, error) {
	return e.grantFree(ctx, tenantID, amount, "")
}

// GrantFreeCreditsForCycle is GrantFreeCredits guarded by a cycle
// identifier: a second grant naming the same cycle fails with
// ErrGrantCycleConsumed and writes nothing.
func (e *Engine) GrantFreeCreditsForCycle(ctx context.Context, tenantID string, amount int64, cycleID string) (*transaction.Transaction, error) {
	if cycleID == "" {
		return nil, ValidationError{Field: "cycle_id", Message: "must not be empty"}
	}
	return e.grantFree(ctx, tenantID, amount, cycleID)
}

func (e *Engine) grantFree(ctx context.Context, tenantID string, amount int64, cycleID string) (*transaction.Transaction, error) {
	now := e.clock()
	next := now.Add(e.defaults.GrantInterval)

	meta := map[string]string{store.MetaNextGrantAt: next.Format(time.RFC3339Nano)}
	if cycleID != "" {
		meta[store.MetaGrantCycle] = cycleID
	}

	txn, err := e.credit(ctx, tenantID, amount, creditSpec{
		kind:        transaction.KindFreeGrant,
		description: "Recurring free credits",
		metadata:    meta,
		cycle:       &store.CycleReset{ID: cycleID, NextGrantAt: next},
	})
	if err != nil {
		if errors.Is(err, ErrGrantCycleConsumed) {
			e.logger.Info("free grant skipped, cycle already granted",
				"tenant_id", tenantID,
				"cycle", cycleID,
			)
		}
		return nil, err
	}

	e.logger.Info("free credits granted",
		"tenant_id", tenantID,
		"amount", amount,
		"balance", txn.BalanceAfter,
		"next_grant_at", next,
	)
	e.plugins.EmitCreditsGranted(ctx, txn)
	return txn, nil
}

// ──────────────────────────────────────────────────
// Purchases, refunds, bonuses, adjustments
// ──────────────────────────────────────────────────

// PurchaseCredits records a completed purchase. paymentRef is the payment
// processor's identifier and is stored as a "payment" reference for
// reconciliation. Warning flags are left untouched.
func (e *Engine) PurchaseCredits(ctx context.Context, tenantID string, amount int64, paymentRef string) (*transaction.Transaction, error) {
	if paymentRef == "" {
		return nil, ValidationError{Field: "payment_ref", Message: "must not be empty"}
	}

	txn, err := e.credit(ctx, tenantID, amount, creditSpec{
		kind:        transaction.KindPurchase,
		description: "Credit purchase",
		ref:         transaction.Reference{ID: paymentRef, Type: transaction.RefTypePayment},
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("credits purchased",
		"tenant_id", tenantID,
		"amount", amount,
		"payment_ref", paymentRef,
	)
	e.plugins.EmitCreditsPurchased(ctx, txn)
	return txn, nil
}

// Refund returns credits to a tenant, for example after a failed action.
func (e *Engine) Refund(ctx context.Context, tenantID string, amount int64, ref transaction.Reference, description string) (*transaction.Transaction, error) {
	txn, err := e.credit(ctx, tenantID, amount, creditSpec{
		kind:        transaction.KindRefund,
		description: description,
		ref:         ref,
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitCreditsRefunded(ctx, txn)
	return txn, nil
}

// Bonus credits a one-off bonus.
func (e *Engine) Bonus(ctx context.Context, tenantID string, amount int64, description string) (*transaction.Transaction, error) {
	txn, err := e.credit(ctx, tenantID, amount, creditSpec{
		kind:        transaction.KindBonus,
		description: description,
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitCreditsGranted(ctx, txn)
	return txn, nil
}

// Adjust applies a manual correction. A positive delta credits the account;
// a negative delta debits it and fails with ErrInsufficientCredits rather
// than taking the balance below zero.
func (e *Engine) Adjust(ctx context.Context, tenantID string, delta int64, description string) (*transaction.Transaction, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	if delta > 0 {
		txn, err := e.credit(ctx, tenantID, delta, creditSpec{
			kind:        transaction.KindAdjustment,
			description: description,
		})
		if err != nil {
			return nil, err
		}
		e.plugins.EmitCreditsAdjusted(ctx, txn)
		return txn, nil
	}

	if err := validTenant(tenantID); err != nil {
		return nil, err
	}
	if _, err := types.SubCredits(0, delta); err != nil {
		return nil, err
	}
	if _, err := e.ensureAccount(ctx, tenantID); err != nil {
		return nil, err
	}

	txn, err := e.store.Debit(ctx, store.DebitRequest{Txn: &transaction.Transaction{
		ID:          id.NewTransactionID(),
		TenantID:    tenantID,
		Amount:      delta,
		Kind:        transaction.KindAdjustment,
		Description: description,
		CreatedAt:   e.clock(),
	}})
	if err != nil {
		return nil, err
	}

	e.logger.Info("credits adjusted",
		"tenant_id", tenantID,
		"delta", delta,
		"balance", txn.BalanceAfter,
	)
	e.plugins.EmitCreditsAdjusted(ctx, txn)
	if e.autoWarnings {
		e.applyWarningsBestEffort(ctx, tenantID)
	}
	return txn, nil
}

// SetFreeTier moves a tenant onto or off the metered tier, creating the
// account if needed.
func (e *Engine) SetFreeTier(ctx context.Context, tenantID string, free bool) error {
	if err := validTenant(tenantID); err != nil {
		return err
	}
	if _, err := e.ensureAccount(ctx, tenantID); err != nil {
		return err
	}
	return e.store.SetFreeTier(ctx, tenantID, free)
}

type creditSpec struct {
	kind        transaction.Kind
	description string
	ref         transaction.Reference
	metadata    map[string]string
	cycle       *store.CycleReset
}

func (e *Engine) credit(ctx context.Context, tenantID string, amount int64, spec creditSpec) (*transaction.Transaction, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := e.ensureAccount(ctx, tenantID); err != nil {
		return nil, err
	}

	txn, err := e.store.Credit(ctx, store.CreditRequest{
		Txn: &transaction.Transaction{
			ID:          id.NewTransactionID(),
			TenantID:    tenantID,
			Amount:      amount,
			Kind:        spec.kind,
			Reference:   spec.ref,
			Description: spec.description,
			Metadata:    spec.metadata,
			CreatedAt:   e.clock(),
		},
		Cycle: spec.cycle,
	})
	if err != nil {
		if !IsBusinessOutcome(err) {
			e.logger.Error("credit failed",
				"tenant_id", tenantID,
				"kind", string(spec.kind),
				"amount", amount,
				"error", err,
			)
		}
		return nil, err
	}
	return txn, nil
}

// ──────────────────────────────────────────────────
// Promotional grants
// ──────────────────────────────────────────────────

// IssueGrant records a promotional grant. The balance is untouched until
// the grant is redeemed.
func (e *Engine) IssueGrant(ctx context.Context, g *grant.Grant) error {
	if err := validTenant(g.TenantID); err != nil {
		return err
	}
	if g.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !g.Type.Valid() {
		return ValidationError{Field: "type", Message: "unknown grant type " + string(g.Type)}
	}
	if g.ID.IsNil() {
		g.ID = id.NewGrantID()
	}
	g.Entity = types.NewEntityAt(e.clock())
	g.RedeemedAt = nil

	if err := e.store.CreateGrant(ctx, g); err != nil {
		return err
	}

	e.plugins.EmitGrantIssued(ctx, g)
	return nil
}

// GetGrant retrieves a promotional grant.
func (e *Engine) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	return e.store.GetGrant(ctx, grantID)
}

// ListGrants lists a tenant's promotional grants, newest first.
func (e *Engine) ListGrants(ctx context.Context, tenantID string, opts grant.ListOpts) ([]*grant.Grant, error) {
	return e.store.ListGrants(ctx, tenantID, opts)
}

// RedeemGrant applies a promotional grant to its tenant's balance as a
// bonus. Expired grants fail with ErrGrantExpired; a one-time grant is
// consumed by the first redemption and later attempts fail with
// ErrGrantRedeemed.
//
// A one-time grant is marked redeemed first and credited second, in two
// store writes. A failed credit releases the mark again, but a crash between
// the writes leaves the grant consumed without its credit. Audit reports
// such grants.
func (e *Engine) RedeemGrant(ctx context.Context, grantID id.GrantID) (*transaction.Transaction, error) {
	g, err := e.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if g.Expired(now) {
		return nil, ErrGrantExpired
	}
	if g.OneTime {
		if err := e.store.MarkGrantRedeemed(ctx, grantID, now); err != nil {
			return nil, err
		}
	}

	txn, err := e.credit(ctx, g.TenantID, g.Amount, creditSpec{
		kind:        transaction.KindBonus,
		description: g.Description,
		ref:         transaction.Reference{ID: g.ID.String(), Type: transaction.RefTypeGrant},
		metadata:    map[string]string{"grant_type": string(g.Type), "code": g.Code},
	})
	if err != nil {
		if g.OneTime {
			if clearErr := e.store.ClearGrantRedeemed(ctx, grantID); clearErr != nil {
				e.logger.Error("failed to release grant after credit failure",
					"grant_id", grantID.String(),
					"error", clearErr,
				)
			}
		}
		return nil, err
	}

	if g.OneTime {
		g.RedeemedAt = &now
	}
	e.logger.Info("grant redeemed",
		"grant_id", grantID.String(),
		"tenant_id", g.TenantID,
		"amount", g.Amount,
	)
	e.plugins.EmitGrantRedeemed(ctx, g, txn)
	return txn, nil
}
