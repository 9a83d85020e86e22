package account

import (
	"context"
	"time"
)

// Store persists account rows. Balance mutations go through the ledger's
// Debit and Credit operations, never through this interface.
type Store interface {
	GetAccount(ctx context.Context, tenantID string) (*Account, error)
	EnsureAccount(ctx context.Context, a *Account) (*Account, error)
	SetFreeTier(ctx context.Context, tenantID string, free bool) error
	// MarkWarnings sets the flags for the given thresholds that the stored
	// balance reaches at write time and returns only the flags it changed.
	MarkWarnings(ctx context.Context, tenantID string, thresholds []Threshold) ([]Threshold, error)
	ListDueAccounts(ctx context.Context, before time.Time, limit int) ([]*Account, error)
}
