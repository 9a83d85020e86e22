// Package storetest is a conformance suite every store.Store backend runs in
// its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Factory returns a fresh, migrated store. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run exercises the full store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"EnsureAccount", testEnsureAccount},
		{"SetFreeTier", testSetFreeTier},
		{"MarkWarnings", testMarkWarnings},
		{"MarkWarningsAfterGrant", testMarkWarningsAfterGrant},
		{"ListDueAccounts", testListDueAccounts},
		{"Debit", testDebit},
		{"DebitInsufficient", testDebitInsufficient},
		{"CreditCycle", testCreditCycle},
		{"MissingAccount", testMissingAccount},
		{"ListTransactions", testListTransactions},
		{"Grants", testGrants},
		{"ConcurrentDebits", testConcurrentDebits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var seed atomic.Int64

// tenant returns a tenant ID that is unique across runs sharing a database.
func tenant(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seed.Add(1))
}

func open(t *testing.T, s store.Store, tenantID string, balance int64) *account.Account {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	a := account.New(tenantID, account.Defaults{
		StartingBalance: balance,
		FreeTier:        true,
		GrantInterval:   30 * 24 * time.Hour,
	}, now)
	got, err := s.EnsureAccount(context.Background(), a)
	require.NoError(t, err)
	return got
}

func usage(tenantID string, amount int64) *transaction.Transaction {
	return &transaction.Transaction{
		TenantID:  tenantID,
		Amount:    -amount,
		Kind:      transaction.KindUsage,
		ActionKey: "order.create",
	}
}

func credit(tenantID string, amount int64, kind transaction.Kind) *transaction.Transaction {
	return &transaction.Transaction{
		TenantID: tenantID,
		Amount:   amount,
		Kind:     kind,
		Metadata: map[string]string{"source": "storetest"},
	}
}

func testEnsureAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("ensure")

	_, err := s.GetAccount(ctx, tid)
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	first := open(t, s, tid, 1000)
	assert.Equal(t, int64(1000), first.Balance)
	assert.Equal(t, int64(1000), first.LifetimeEarned)
	assert.Equal(t, int64(1000), first.InitialBalance)
	assert.True(t, first.FreeTier)
	assert.True(t, first.Consistent())

	// A second ensure keeps the stored state.
	again, err := s.EnsureAccount(ctx, account.New(tid, account.Defaults{StartingBalance: 5}, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.Balance)

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, first.Balance, got.Balance)
	assert.True(t, first.NextGrantAt.Equal(got.NextGrantAt))
}

func testSetFreeTier(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("tier")
	open(t, s, tid, 10)

	require.NoError(t, s.SetFreeTier(ctx, tid, false))
	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.False(t, got.FreeTier)

	require.NoError(t, s.SetFreeTier(ctx, tid, true))
	got, err = s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.True(t, got.FreeTier)

	assert.ErrorIs(t, s.SetFreeTier(ctx, tenant("ghost"), true), credits.ErrAccountNotFound)
}

func testMarkWarnings(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("warn")
	open(t, s, tid, 100)

	// A full balance reaches nothing.
	changed, err := s.MarkWarnings(ctx, tid, account.Thresholds)
	require.NoError(t, err)
	assert.Empty(t, changed)

	_, err = s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 92)})
	require.NoError(t, err)

	changed, err = s.MarkWarnings(ctx, tid, []account.Threshold{account.Threshold25, account.Threshold10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []account.Threshold{account.Threshold25, account.Threshold10}, changed)

	// Set flags are not reported again and 8 of 100 is above 5%.
	changed, err = s.MarkWarnings(ctx, tid, []account.Threshold{account.Threshold25, account.Threshold5, account.Threshold0})
	require.NoError(t, err)
	assert.Empty(t, changed)

	_, err = s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 4)})
	require.NoError(t, err)
	changed, err = s.MarkWarnings(ctx, tid, []account.Threshold{account.Threshold25, account.Threshold5})
	require.NoError(t, err)
	assert.Equal(t, []account.Threshold{account.Threshold5}, changed)

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, account.WarningFlags{At25: true, At10: true, At5: true}, got.Warnings)

	_, err = s.MarkWarnings(ctx, tenant("ghost"), []account.Threshold{account.Threshold0})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

// A warning check computed before a free grant must not flag the refilled
// account when its write lands after the grant.
func testMarkWarningsAfterGrant(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("warn-grant")
	open(t, s, tid, 100)

	_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 100)})
	require.NoError(t, err)
	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	stale := got.Crossed()
	require.Len(t, stale, 4)

	cycle := &store.CycleReset{ID: "refill", NextGrantAt: time.Now().Add(30 * 24 * time.Hour)}
	_, err = s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 1000, transaction.KindFreeGrant), Cycle: cycle})
	require.NoError(t, err)

	changed, err := s.MarkWarnings(ctx, tid, stale)
	require.NoError(t, err)
	assert.Empty(t, changed)

	got, err = s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, account.WarningFlags{}, got.Warnings)
	assert.Equal(t, int64(1000), got.Balance)

	// The new cycle still warns once its own thresholds are reached.
	_, err = s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 800)})
	require.NoError(t, err)
	changed, err = s.MarkWarnings(ctx, tid, account.Thresholds)
	require.NoError(t, err)
	assert.Equal(t, []account.Threshold{account.Threshold25}, changed)
}

func testListDueAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	due := tenant("due")
	paid := tenant("paid")
	open(t, s, due, 10)
	open(t, s, paid, 10)
	require.NoError(t, s.SetFreeTier(ctx, paid, false))

	horizon := time.Now().Add(31 * 24 * time.Hour)
	accounts, err := s.ListDueAccounts(ctx, horizon, 0)
	require.NoError(t, err)

	var sawDue, sawPaid bool
	for _, a := range accounts {
		switch a.TenantID {
		case due:
			sawDue = true
		case paid:
			sawPaid = true
		}
	}
	assert.True(t, sawDue, "free tier account past its grant date is due")
	assert.False(t, sawPaid, "paid account is never due")

	accounts, err = s.ListDueAccounts(ctx, time.Now(), 0)
	require.NoError(t, err)
	for _, a := range accounts {
		assert.NotEqual(t, due, a.TenantID, "account is not due before its grant date")
	}
}

func testDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("debit")
	open(t, s, tid, 500)

	txn, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 100)})
	require.NoError(t, err)
	assert.False(t, txn.ID.IsNil())
	assert.Equal(t, int64(-100), txn.Amount)
	assert.Equal(t, int64(400), txn.BalanceAfter)
	assert.Equal(t, int64(1), txn.Seq)
	assert.False(t, txn.CreatedAt.IsZero())

	txn, err = s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 400)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceAfter)
	assert.Equal(t, int64(2), txn.Seq)

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
	assert.Equal(t, int64(500), got.LifetimeSpent)
	assert.True(t, got.Consistent())

	_, err = s.Debit(ctx, store.DebitRequest{Txn: &transaction.Transaction{TenantID: tid, Amount: 5, Kind: transaction.KindUsage}})
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func testDebitInsufficient(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("short")
	open(t, s, tid, 50)

	_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 100)})
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Balance)
	assert.Equal(t, int64(0), got.LifetimeSpent)

	n, err := s.CountTransactions(ctx, tid, transaction.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a refused debit writes nothing")
}

func testCreditCycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("cycle")
	open(t, s, tid, 100)

	_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 80)})
	require.NoError(t, err)
	changed, err := s.MarkWarnings(ctx, tid, []account.Threshold{account.Threshold25})
	require.NoError(t, err)
	require.Equal(t, []account.Threshold{account.Threshold25}, changed)

	// A purchase leaves warning flags alone.
	txn, err := s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 50, transaction.KindPurchase)})
	require.NoError(t, err)
	assert.Equal(t, int64(70), txn.BalanceAfter)
	assert.Equal(t, "storetest", txn.Metadata["source"])

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.True(t, got.Warnings.At25)

	next := time.Now().UTC().Add(60 * 24 * time.Hour).Truncate(time.Millisecond)
	cycle := &store.CycleReset{ID: "2026-10", NextGrantAt: next}
	txn, err = s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 1000, transaction.KindFreeGrant), Cycle: cycle})
	require.NoError(t, err)
	assert.Equal(t, int64(1070), txn.BalanceAfter)
	assert.Equal(t, int64(3), txn.Seq)

	got, err = s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, account.WarningFlags{}, got.Warnings)
	assert.Equal(t, int64(1000), got.LastGrantAmount)
	assert.Equal(t, "2026-10", got.LastGrantCycle)
	assert.True(t, next.Equal(got.NextGrantAt), "next grant %v, got %v", next, got.NextGrantAt)
	assert.Equal(t, int64(1150), got.LifetimeEarned)
	assert.True(t, got.Consistent())

	_, err = s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 1000, transaction.KindFreeGrant), Cycle: cycle})
	assert.ErrorIs(t, err, credits.ErrGrantCycleConsumed)

	got, err = s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(1070), got.Balance, "a consumed cycle credits nothing")
}

func testMissingAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("ghost")

	_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 1)})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	_, err = s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 1, transaction.KindBonus)})
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("history")
	open(t, s, tid, 1000)

	for i := range 5 {
		_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, int64(10*(i+1)))})
		require.NoError(t, err)
	}
	_, err := s.Credit(ctx, store.CreditRequest{Txn: credit(tid, 500, transaction.KindPurchase)})
	require.NoError(t, err)

	all, err := s.ListTransactions(ctx, tid, transaction.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, txn := range all {
		assert.Equal(t, int64(6-i), txn.Seq, "most recent first")
	}
	assert.Equal(t, transaction.KindPurchase, all[0].Kind)
	assert.Equal(t, int64(1350), all[0].BalanceAfter)

	page, err := s.ListTransactions(ctx, tid, transaction.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	tail, err := s.ListTransactions(ctx, tid, transaction.ListOpts{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, tail)

	rest, err := s.ListTransactions(ctx, tid, transaction.ListOpts{Offset: 4})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].Seq)

	usages, err := s.ListTransactions(ctx, tid, transaction.ListOpts{Kind: transaction.KindUsage, Limit: 3})
	require.NoError(t, err)
	require.Len(t, usages, 3)
	for _, txn := range usages {
		assert.Equal(t, transaction.KindUsage, txn.Kind)
	}

	n, err := s.CountTransactions(ctx, tid, transaction.ListOpts{Kind: transaction.KindUsage})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.CountTransactions(ctx, tid, transaction.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	future := time.Now().Add(time.Hour)
	n, err = s.CountTransactions(ctx, tid, transaction.ListOpts{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Replaying the log reproduces the balance.
	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	sum := got.InitialBalance
	for _, txn := range all {
		sum, err = types.AddCredits(sum, txn.Amount)
		require.NoError(t, err)
	}
	assert.Equal(t, got.Balance, sum)
}

func testGrants(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("grants")
	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Hour)

	promo := &grant.Grant{
		Entity:   types.NewEntityAt(now),
		ID:       id.NewGrantID(),
		TenantID: tid,
		Amount:   250,
		Type:     grant.TypePromo,
		Code:     "WELCOME",
		OneTime:  true,
		Metadata: map[string]string{"campaign": "launch"},
	}
	expired := &grant.Grant{
		Entity:    types.NewEntityAt(now),
		ID:        id.NewGrantID(),
		TenantID:  tid,
		Amount:    100,
		Type:      grant.TypeCompensation,
		OneTime:   true,
		ExpiresAt: &past,
	}
	require.NoError(t, s.CreateGrant(ctx, promo))
	require.NoError(t, s.CreateGrant(ctx, expired))
	assert.ErrorIs(t, s.CreateGrant(ctx, promo), credits.ErrAlreadyExists)

	got, err := s.GetGrant(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, promo.ID, got.ID)
	assert.Equal(t, int64(250), got.Amount)
	assert.Equal(t, "WELCOME", got.Code)
	assert.Equal(t, "launch", got.Metadata["campaign"])
	assert.False(t, got.Redeemed())

	_, err = s.GetGrant(ctx, id.NewGrantID())
	assert.ErrorIs(t, err, credits.ErrGrantNotFound)

	all, err := s.ListGrants(ctx, tid, grant.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	skipped, err := s.ListGrants(ctx, tid, grant.ListOpts{Offset: 1})
	require.NoError(t, err)
	assert.Len(t, skipped, 1)

	promos, err := s.ListGrants(ctx, tid, grant.ListOpts{Type: grant.TypePromo})
	require.NoError(t, err)
	require.Len(t, promos, 1)
	assert.Equal(t, promo.ID, promos[0].ID)

	redeemable, err := s.ListGrants(ctx, tid, grant.ListOpts{Redeemable: true})
	require.NoError(t, err)
	require.Len(t, redeemable, 1)
	assert.Equal(t, promo.ID, redeemable[0].ID)

	require.NoError(t, s.MarkGrantRedeemed(ctx, promo.ID, now))
	assert.ErrorIs(t, s.MarkGrantRedeemed(ctx, promo.ID, now), credits.ErrGrantRedeemed)
	assert.ErrorIs(t, s.MarkGrantRedeemed(ctx, id.NewGrantID(), now), credits.ErrGrantNotFound)

	got, err = s.GetGrant(ctx, promo.ID)
	require.NoError(t, err)
	require.True(t, got.Redeemed())

	redeemable, err = s.ListGrants(ctx, tid, grant.ListOpts{Redeemable: true})
	require.NoError(t, err)
	assert.Empty(t, redeemable)

	require.NoError(t, s.ClearGrantRedeemed(ctx, promo.ID))
	got, err = s.GetGrant(ctx, promo.ID)
	require.NoError(t, err)
	assert.False(t, got.Redeemed())
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenant("race")
	open(t, s, tid, 200)

	const workers = 40
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		refused   atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, store.DebitRequest{Txn: usage(tid, 10)})
			switch {
			case err == nil:
				succeeded.Add(1)
			case credits.IsBusinessOutcome(err):
				refused.Add(1)
			default:
				t.Errorf("debit: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), succeeded.Load())
	assert.Equal(t, int64(workers-20), refused.Load())

	got, err := s.GetAccount(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
	assert.True(t, got.Consistent())

	all, err := s.ListTransactions(ctx, tid, transaction.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, txn := range all {
		assert.Equal(t, int64(20-i), txn.Seq)
		assert.Equal(t, int64(10*i), txn.BalanceAfter)
	}
}
