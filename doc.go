// Package credits provides a per-tenant prepaid credit ledger for Go
// applications.
//
// Credits is designed as a library, not a service. Import it directly into
// your application, or run cmd/creditsd for an HTTP front end. It provides:
//
//   - Metering of paid actions against an editable price list
//   - Recurring free grants with cycle-level idempotency
//   - Purchases, refunds, bonuses, adjustments and promotional grants
//   - An immutable, append-only transaction history per tenant
//   - Low-balance warnings at 25%, 10%, 5% and 0% of the last grant
//   - Balances that never go negative under concurrent debits
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/cost"
//	    "github.com/xraph/credits/store/memory"
//	)
//
//	registry := cost.MustStaticRegistry(
//	    cost.Entry{ActionKey: "order.create", Cost: 100, Category: cost.CategoryOrders, Active: true},
//	)
//
//	engine := credits.New(memory.New(), registry)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	res, err := engine.Consume(ctx, tenantID, "order.create", credits.Reference{})
//	if err != nil {
//	    // infrastructure failure, e.g. ErrLockTimeout: retry later
//	}
//	if !res.OK {
//	    // res.Reason tells why; do not perform the action
//	}
//
// # Core Concepts
//
// Accounts are created lazily on the first metered action, with the
// configured starting balance. Reads never create accounts.
//
// Consume runs three checks in order: the cost registry prices the action,
// free actions return at once, and tenants outside the free tier return at
// once. Only metered tenants with a priced action are debited. Running out of
// credits is a result (OK=false, Reason="insufficient_credits"), not an
// error.
//
// Every balance change goes through the store, which applies the change and
// appends its transaction atomically under a per-tenant lock. The lock wait
// is bounded; a timeout surfaces as ErrLockTimeout, which IsRetryable
// reports as transient.
//
// # Stores
//
// Backends live under store/: memory, postgres, sqlite and mongo (via Grove)
// and redis (Lua scripts). All of them pass the same conformance suite in
// store/storetest.
//
// # Identifiers
//
// Transactions and grants use TypeIDs, which sort by creation time:
//
//	txn_01h2xcejqtf2nbrexx3vqjhp41    // Transaction ID
//	grant_01h455vb4pex5vsknk084sn02q  // Grant ID
package credits
