package credits

import (
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import the
// model packages for everyday calls.

// Snapshot is re-exported from the account package.
type Snapshot = account.Snapshot

// Threshold is re-exported from the account package.
type Threshold = account.Threshold

// Transaction is re-exported from the transaction package.
type Transaction = transaction.Transaction

// Reference is re-exported from the transaction package.
type Reference = transaction.Reference

// CostEntry is re-exported from the cost package.
type CostEntry = cost.Entry

// Entity is re-exported from the types package.
type Entity = types.Entity

// Re-export arithmetic helpers.
var (
	AddCredits    = types.AddCredits
	SubCredits    = types.SubCredits
	FormatCredits = types.FormatCredits
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
