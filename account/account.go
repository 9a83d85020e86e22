// Package account models the per-tenant credit account and its low-balance
// warning metadata.
package account

import (
	"strconv"
	"time"

	"github.com/xraph/credits/types"
)

// Threshold is a low-balance warning level, expressed as a percentage of the
// last grant.
type Threshold int

// Warning thresholds, ordered from highest to lowest.
const (
	Threshold25 Threshold = 25
	Threshold10 Threshold = 10
	Threshold5  Threshold = 5
	Threshold0  Threshold = 0
)

// Thresholds lists every warning level in descending order.
var Thresholds = []Threshold{Threshold25, Threshold10, Threshold5, Threshold0}

// String renders the threshold as a percentage, e.g. "25%".
func (t Threshold) String() string {
	return strconv.Itoa(int(t)) + "%"
}

// Valid reports whether t is one of the known warning levels.
func (t Threshold) Valid() bool {
	switch t {
	case Threshold25, Threshold10, Threshold5, Threshold0:
		return true
	}
	return false
}

// WarningFlags records which thresholds have already been notified in the
// current grant cycle. Flags only move false to true until the next free grant.
type WarningFlags struct {
	At25 bool `json:"at_25"`
	At10 bool `json:"at_10"`
	At5  bool `json:"at_5"`
	At0  bool `json:"at_0"`
}

// IsSet reports whether the flag for t is set.
func (w WarningFlags) IsSet(t Threshold) bool {
	switch t {
	case Threshold25:
		return w.At25
	case Threshold10:
		return w.At10
	case Threshold5:
		return w.At5
	case Threshold0:
		return w.At0
	}
	return false
}

// Set marks t as notified and reports whether the flag changed.
func (w *WarningFlags) Set(t Threshold) bool {
	if w.IsSet(t) || !t.Valid() {
		return false
	}
	switch t {
	case Threshold25:
		w.At25 = true
	case Threshold10:
		w.At10 = true
	case Threshold5:
		w.At5 = true
	case Threshold0:
		w.At0 = true
	}
	return true
}

// Reset clears every flag.
func (w *WarningFlags) Reset() {
	*w = WarningFlags{}
}

// Account is the credit account of one tenant.
//
// Balance always equals LifetimeEarned minus LifetimeSpent and is never
// negative. InitialBalance is the opening balance the account was created
// with; it is counted in LifetimeEarned but has no transaction of its own.
type Account struct {
	types.Entity

	TenantID        string       `json:"tenant_id"`
	Balance         int64        `json:"balance"`
	LifetimeEarned  int64        `json:"lifetime_earned"`
	LifetimeSpent   int64        `json:"lifetime_spent"`
	InitialBalance  int64        `json:"initial_balance"`
	FreeTier        bool         `json:"free_tier"`
	NextGrantAt     time.Time    `json:"next_grant_at"`
	LastGrantAmount int64        `json:"last_grant_amount"`
	LastGrantCycle  string       `json:"last_grant_cycle,omitempty"`
	Warnings        WarningFlags `json:"warnings"`
}

// Defaults describes how a missing account is materialized.
type Defaults struct {
	StartingBalance int64
	FreeTier        bool
	GrantInterval   time.Duration
}

// New builds the opening state of an account for tenantID at time now.
func New(tenantID string, d Defaults, now time.Time) *Account {
	return &Account{
		Entity:          types.NewEntityAt(now),
		TenantID:        tenantID,
		Balance:         d.StartingBalance,
		LifetimeEarned:  d.StartingBalance,
		InitialBalance:  d.StartingBalance,
		FreeTier:        d.FreeTier,
		NextGrantAt:     now.UTC().Add(d.GrantInterval),
		LastGrantAmount: d.StartingBalance,
	}
}

// Clone returns a copy that shares no state with a.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Consistent reports whether the balance identity and non-negativity hold.
func (a *Account) Consistent() bool {
	return a.Balance >= 0 && a.Balance == a.LifetimeEarned-a.LifetimeSpent
}

// Baseline is the 100% reference for warning thresholds: the last grant
// amount, falling back to lifetime earnings when no grant was recorded.
func (a *Account) Baseline() int64 {
	if a.LastGrantAmount > 0 {
		return a.LastGrantAmount
	}
	return a.LifetimeEarned
}

// Crossed returns the thresholds the current balance has reached whose flags
// are still clear, highest first.
func (a *Account) Crossed() []Threshold {
	baseline := a.Baseline()
	var out []Threshold
	for _, t := range Thresholds {
		if a.Warnings.IsSet(t) {
			continue
		}
		if reached(a.Balance, baseline, t) {
			out = append(out, t)
		}
	}
	return out
}

// Reached reports whether the balance is at or below t, whether or not the
// flag for t is set.
func (a *Account) Reached(t Threshold) bool {
	return reached(a.Balance, a.Baseline(), t)
}

func reached(balance, baseline int64, t Threshold) bool {
	if t == Threshold0 {
		return balance <= 0
	}
	if baseline <= 0 {
		return false
	}
	// balance/baseline <= t/100 without floating point
	return balance*100 <= baseline*int64(t)
}

// Snapshot projects the account into its read-only balance view.
func (a *Account) Snapshot() *Snapshot {
	return &Snapshot{
		TenantID:       a.TenantID,
		Balance:        a.Balance,
		LifetimeEarned: a.LifetimeEarned,
		LifetimeSpent:  a.LifetimeSpent,
		IsFreeTier:     a.FreeTier,
		NextGrantAt:    a.NextGrantAt,
		Exists:         true,
	}
}

// Snapshot is the balance view returned to callers.
type Snapshot struct {
	TenantID       string    `json:"tenant_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	IsFreeTier     bool      `json:"is_free_tier"`
	NextGrantAt    time.Time `json:"next_grant_at"`
	Exists         bool      `json:"exists"`
}
