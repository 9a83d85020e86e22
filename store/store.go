// Package store defines the persistence contract of the credit ledger.
//
// The Store is the only component allowed to mutate account balances. Every
// Debit and Credit applies the balance change and appends the matching
// transaction as one atomic unit, serialized per tenant.
package store

import (
	"context"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
)

// DefaultLockTimeout bounds how long a mutation waits for a tenant's lock.
const DefaultLockTimeout = 5 * time.Second

// Store is the unified storage interface for all ledger entities.
type Store interface {
	account.Store
	transaction.Store
	grant.Store

	// Debit subtracts req.Amount and appends a usage transaction. It returns
	// ErrInsufficientCredits, without writing anything, when the balance is
	// lower than the amount.
	Debit(ctx context.Context, req DebitRequest) (*transaction.Transaction, error)

	// Credit adds req.Amount and appends a transaction of req.Kind.
	Credit(ctx context.Context, req CreditRequest) (*transaction.Transaction, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DebitRequest describes a balance decrease.
type DebitRequest struct {
	Txn *transaction.Transaction
}

// CreditRequest describes a balance increase. When Cycle is set the credit
// also starts a new free-grant cycle.
type CreditRequest struct {
	Txn   *transaction.Transaction
	Cycle *CycleReset
}

// CycleReset is applied atomically with a free-grant credit: all warning
// flags are cleared, NextGrantAt advances, and LastGrantAmount becomes the
// credited amount. When ID is non-empty and equals the account's
// LastGrantCycle the credit is rejected with ErrGrantCycleConsumed.
type CycleReset struct {
	ID          string
	NextGrantAt time.Time
}

// Metadata keys under which a cycle reset travels with its transaction.
const (
	MetaGrantCycle  = "grant_cycle"
	MetaNextGrantAt = "next_grant_at"
)
