// Package apply holds the balance arithmetic shared by every store backend.
// Backends load the account under their own tenant lock, call Debit or
// Credit, and persist the returned account and transaction together.
package apply

import (
	"maps"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Debit subtracts -txn.Amount from a in place and returns the transaction to
// append with sequence number seq. a is left untouched on error.
func Debit(a *account.Account, txn *transaction.Transaction, seq int64, at time.Time) (*transaction.Transaction, error) {
	if txn == nil || txn.Amount >= 0 {
		return nil, credits.ErrInvalidAmount
	}

	amount, err := types.SubCredits(0, txn.Amount)
	if err != nil {
		return nil, err
	}
	if a.Balance < amount {
		return nil, credits.ErrInsufficientCredits
	}
	spent, err := types.AddCredits(a.LifetimeSpent, amount)
	if err != nil {
		return nil, err
	}

	a.Balance -= amount
	a.LifetimeSpent = spent
	a.Touch(at)
	return stamp(a, txn, seq, at), nil
}

// Credit adds req.Txn.Amount to a in place, applying the cycle reset when
// req.Cycle is set. a is left untouched on error.
func Credit(a *account.Account, req store.CreditRequest, seq int64, at time.Time) (*transaction.Transaction, error) {
	txn := req.Txn
	if txn == nil || txn.Amount <= 0 {
		return nil, credits.ErrInvalidAmount
	}
	if c := req.Cycle; c != nil && c.ID != "" && a.LastGrantCycle == c.ID {
		return nil, credits.ErrGrantCycleConsumed
	}

	balance, err := types.AddCredits(a.Balance, txn.Amount)
	if err != nil {
		return nil, err
	}
	earned, err := types.AddCredits(a.LifetimeEarned, txn.Amount)
	if err != nil {
		return nil, err
	}

	a.Balance = balance
	a.LifetimeEarned = earned
	if c := req.Cycle; c != nil {
		a.Warnings.Reset()
		a.NextGrantAt = c.NextGrantAt.UTC()
		a.LastGrantAmount = txn.Amount
		a.LastGrantCycle = c.ID
	}
	a.Touch(at)
	return stamp(a, txn, seq, at), nil
}

// MarkWarnings sets those of the given flags that a's balance has reached
// and returns the ones it changed. Thresholds the balance no longer reaches,
// for instance after a grant landed since the caller looked, are skipped.
func MarkWarnings(a *account.Account, thresholds []account.Threshold, at time.Time) []account.Threshold {
	var changed []account.Threshold
	for _, t := range thresholds {
		if !a.Reached(t) {
			continue
		}
		if a.Warnings.Set(t) {
			changed = append(changed, t)
		}
	}
	if len(changed) > 0 {
		a.Touch(at)
	}
	return changed
}

func stamp(a *account.Account, txn *transaction.Transaction, seq int64, at time.Time) *transaction.Transaction {
	stored := *txn
	if stored.ID.IsNil() {
		stored.ID = id.NewTransactionID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = at
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.TenantID = a.TenantID
	stored.BalanceAfter = a.Balance
	stored.Seq = seq
	stored.Metadata = maps.Clone(txn.Metadata)
	return &stored
}
