// Package transaction models the immutable, append-only credit history.
package transaction

import (
	"time"

	"github.com/xraph/credits/id"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindFreeGrant  Kind = "free_grant"
	KindPurchase   Kind = "purchase"
	KindUsage      Kind = "usage"
	KindRefund     Kind = "refund"
	KindBonus      Kind = "bonus"
	KindAdjustment Kind = "adjustment"
)

// Kinds lists every known transaction kind.
var Kinds = []Kind{KindFreeGrant, KindPurchase, KindUsage, KindRefund, KindBonus, KindAdjustment}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsCredit reports whether entries of this kind normally add credits.
func (k Kind) IsCredit() bool {
	return k != KindUsage
}

// Reference links an entry to an external object such as an order or a payment.
type Reference struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// IsZero reports whether the reference is empty.
func (r Reference) IsZero() bool {
	return r.ID == "" && r.Type == ""
}

// Reference types used by the engine.
const (
	RefTypePayment = "payment"
	RefTypeGrant   = "grant"
)

// Transaction is one immutable ledger entry. Amount is signed: negative for
// usage, positive for credits. BalanceAfter is the account balance
// immediately after this entry was applied. Seq is the per-account append
// sequence and orders entries exactly as they were applied.
type Transaction struct {
	ID           id.TransactionID  `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Kind         Kind              `json:"kind"`
	ActionKey    string            `json:"action_key,omitempty"`
	Reference    Reference         `json:"reference,omitzero"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Seq          int64             `json:"seq"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ListOpts filters and paginates a tenant's history. Results are returned
// most recent first.
type ListOpts struct {
	Kind   Kind
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// Matches reports whether t satisfies the Kind, Since and Until filters.
func (o ListOpts) Matches(t *Transaction) bool {
	if o.Kind != "" && t.Kind != o.Kind {
		return false
	}
	if o.Since != nil && t.CreatedAt.Before(*o.Since) {
		return false
	}
	if o.Until != nil && !t.CreatedAt.Before(*o.Until) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered, ordered slice.
func Page[T any](items []T, opts ListOpts) []T {
	start := opts.Offset
	if start > len(items) {
		start = len(items)
	}
	end := start + opts.Limit
	if opts.Limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
