package credits

import (
	"context"
	"errors"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// Reason explains why Consume refused an action.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonUnknownAction       Reason = "unknown_action"
)

// ConsumeResult is the outcome of a metering decision. Callers must not
// perform the action when OK is false.
type ConsumeResult struct {
	OK          bool                     `json:"ok"`
	Cost        int64                    `json:"cost"`
	Reason      Reason                   `json:"reason,omitempty"`
	Balance     int64                    `json:"balance"`
	Transaction *transaction.Transaction `json:"transaction,omitempty"`
}

// Consume meters one billable action for a tenant.
//
// The checks run in a fixed order: the registry decides the cost, a zero
// cost returns at once, a tenant outside the free tier returns at once, and
// only then is the account debited. Running out of credits is reported in
// the result, not as an error; the error return is reserved for
// infrastructure failures such as ErrLockTimeout.
func (e *Engine) Consume(ctx context.Context, tenantID, actionKey string, ref transaction.Reference) (*ConsumeResult, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, found, err := e.registry.Lookup(ctx, actionKey)
	if err != nil {
		return nil, err
	}
	if !found {
		e.plugins.EmitUnknownAction(ctx, tenantID, actionKey)
		if e.unknownPolicy == cost.UnknownFailClosed {
			e.logger.Warn("unknown action rejected",
				"tenant_id", tenantID,
				"action_key", actionKey,
			)
			return &ConsumeResult{OK: false, Reason: ReasonUnknownAction}, nil
		}
		e.logger.Debug("unknown action treated as free",
			"tenant_id", tenantID,
			"action_key", actionKey,
		)
		return &ConsumeResult{OK: true}, nil
	}

	if entry.IsFree() {
		return &ConsumeResult{OK: true}, nil
	}

	free, acct, err := e.meteredTier(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !free {
		res := &ConsumeResult{OK: true}
		if acct != nil {
			res.Balance = acct.Balance
		}
		return res, nil
	}

	if acct == nil {
		if acct, err = e.ensureAccount(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	if !acct.FreeTier {
		// The resolver is authoritative; persist what it told us.
		if err := e.store.SetFreeTier(ctx, tenantID, true); err != nil {
			return nil, err
		}
	}

	txn := &transaction.Transaction{
		ID:          id.NewTransactionID(),
		TenantID:    tenantID,
		Amount:      -entry.Cost,
		Kind:        transaction.KindUsage,
		ActionKey:   actionKey,
		Reference:   ref,
		Description: entry.Name,
		CreatedAt:   e.clock(),
	}

	stored, err := e.store.Debit(ctx, store.DebitRequest{Txn: txn})
	if errors.Is(err, ErrInsufficientCredits) {
		balance := acct.Balance
		if fresh, getErr := e.store.GetAccount(ctx, tenantID); getErr == nil {
			balance = fresh.Balance
		}
		e.logger.Info("insufficient credits",
			"tenant_id", tenantID,
			"action_key", actionKey,
			"cost", entry.Cost,
			"balance", balance,
		)
		e.plugins.EmitInsufficientCredits(ctx, tenantID, actionKey, entry.Cost, balance)
		return &ConsumeResult{
			OK:      false,
			Cost:    entry.Cost,
			Reason:  ReasonInsufficientCredits,
			Balance: balance,
		}, nil
	}
	if err != nil {
		e.logger.Error("debit failed",
			"tenant_id", tenantID,
			"action_key", actionKey,
			"error", err,
		)
		return nil, err
	}

	e.plugins.EmitCreditsConsumed(ctx, stored, entry)
	if e.autoWarnings {
		e.applyWarningsBestEffort(ctx, tenantID)
	}

	return &ConsumeResult{
		OK:          true,
		Cost:        entry.Cost,
		Balance:     stored.BalanceAfter,
		Transaction: stored,
	}, nil
}

// meteredTier decides whether the tenant is metered. It returns the stored
// account when one exists.
func (e *Engine) meteredTier(ctx context.Context, tenantID string) (bool, *account.Account, error) {
	acct, err := e.store.GetAccount(ctx, tenantID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		acct = nil
	case err != nil:
		return false, nil, err
	}

	if e.tier != nil {
		free, err := e.tier.IsFreeTier(ctx, tenantID)
		if err != nil {
			return false, nil, err
		}
		if !free && acct != nil && acct.FreeTier {
			// Keep the stored flag in line so the scheduler stops granting.
			if err := e.store.SetFreeTier(ctx, tenantID, false); err != nil {
				return false, nil, err
			}
		}
		return free, acct, nil
	}

	if acct == nil {
		return e.defaults.FreeTier, nil, nil
	}
	return acct.FreeTier, acct, nil
}

func (e *Engine) applyWarningsBestEffort(ctx context.Context, tenantID string) {
	if _, err := e.ApplyWarnings(ctx, tenantID); err != nil {
		e.logger.Warn("low balance check failed",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
