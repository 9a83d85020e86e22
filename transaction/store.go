package transaction

import "context"

// Store reads the transaction log. Entries are only ever appended by the
// ledger's Debit and Credit operations.
type Store interface {
	ListTransactions(ctx context.Context, tenantID string, opts ListOpts) ([]*Transaction, error)
	CountTransactions(ctx context.Context, tenantID string, opts ListOpts) (int64, error)
}
