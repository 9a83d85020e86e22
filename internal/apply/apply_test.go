package apply_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/internal/apply"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

var (
	opened = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at     = opened.Add(time.Hour)
)

func acct(balance int64) *account.Account {
	return account.New("acme", account.Defaults{
		StartingBalance: balance,
		FreeTier:        true,
		GrantInterval:   30 * 24 * time.Hour,
	}, opened)
}

func TestDebit(t *testing.T) {
	a := acct(500)
	in := &transaction.Transaction{
		TenantID: "someone-else",
		Amount:   -120,
		Kind:     transaction.KindUsage,
		Metadata: map[string]string{"order": "o1"},
	}

	txn, err := apply.Debit(a, in, 7, at)
	require.NoError(t, err)

	assert.Equal(t, int64(380), a.Balance)
	assert.Equal(t, int64(120), a.LifetimeSpent)
	assert.Equal(t, at, a.UpdatedAt)
	assert.True(t, a.Consistent())

	assert.Equal(t, "acme", txn.TenantID, "tenant comes from the account")
	assert.Equal(t, int64(380), txn.BalanceAfter)
	assert.Equal(t, int64(7), txn.Seq)
	assert.Equal(t, at, txn.CreatedAt)
	assert.False(t, txn.ID.IsNil())

	in.Metadata["order"] = "changed"
	assert.Equal(t, "o1", txn.Metadata["order"], "metadata is copied")
	assert.Equal(t, int64(0), in.Seq, "input is not modified")
}

func TestDebitKeepsCallerTimestampAndID(t *testing.T) {
	a := acct(50)
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	first, err := apply.Debit(a, &transaction.Transaction{Amount: -10, Kind: transaction.KindUsage}, 1, at)
	require.NoError(t, err)

	again, err := apply.Debit(a, &transaction.Transaction{ID: first.ID, Amount: -10, Kind: transaction.KindUsage, CreatedAt: when}, 2, at)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.CreatedAt.Equal(when))
	assert.Equal(t, time.UTC, again.CreatedAt.Location())
}

func TestDebitRefusals(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		spent   int64
		txn     *transaction.Transaction
		want    error
	}{
		{"nil", 100, 0, nil, credits.ErrInvalidAmount},
		{"zero", 100, 0, &transaction.Transaction{Amount: 0}, credits.ErrInvalidAmount},
		{"positive", 100, 0, &transaction.Transaction{Amount: 5}, credits.ErrInvalidAmount},
		{"more than balance", 100, 0, &transaction.Transaction{Amount: -101}, credits.ErrInsufficientCredits},
		{"min int64", 100, 0, &transaction.Transaction{Amount: math.MinInt64}, credits.ErrOverflow},
		{"lifetime spent overflow", 100, math.MaxInt64 - 1, &transaction.Transaction{Amount: -2}, credits.ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := acct(tt.balance)
			a.LifetimeSpent = tt.spent
			before := *a

			txn, err := apply.Debit(a, tt.txn, 1, at)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, txn)
			assert.Equal(t, before, *a, "account untouched")
		})
	}
}

func TestDebitToZero(t *testing.T) {
	a := acct(100)
	txn, err := apply.Debit(a, &transaction.Transaction{Amount: -100, Kind: transaction.KindUsage}, 1, at)
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceAfter)
	assert.True(t, a.Consistent())
}

func TestCreditWithoutCycleKeepsWarnings(t *testing.T) {
	a := acct(100)
	a.Warnings = account.WarningFlags{At25: true}
	next := a.NextGrantAt

	txn, err := apply.Credit(a, store.CreditRequest{Txn: &transaction.Transaction{Amount: 40, Kind: transaction.KindPurchase}}, 3, at)
	require.NoError(t, err)

	assert.Equal(t, int64(140), a.Balance)
	assert.Equal(t, int64(140), a.LifetimeEarned)
	assert.Equal(t, account.WarningFlags{At25: true}, a.Warnings)
	assert.Equal(t, next, a.NextGrantAt)
	assert.Equal(t, int64(100), a.LastGrantAmount)
	assert.Equal(t, int64(140), txn.BalanceAfter)
	assert.Equal(t, int64(3), txn.Seq)
}

func TestCreditWithCycleStartsNewCycle(t *testing.T) {
	a := acct(100)
	a.Warnings = account.WarningFlags{At25: true, At10: true, At5: true, At0: true}
	next := time.Date(2026, 4, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))

	req := store.CreditRequest{
		Txn:   &transaction.Transaction{Amount: 1000, Kind: transaction.KindFreeGrant},
		Cycle: &store.CycleReset{ID: "2026-04", NextGrantAt: next},
	}
	_, err := apply.Credit(a, req, 1, at)
	require.NoError(t, err)

	assert.Equal(t, account.WarningFlags{}, a.Warnings)
	assert.True(t, a.NextGrantAt.Equal(next))
	assert.Equal(t, time.UTC, a.NextGrantAt.Location())
	assert.Equal(t, int64(1000), a.LastGrantAmount)
	assert.Equal(t, "2026-04", a.LastGrantCycle)

	before := *a
	_, err = apply.Credit(a, req, 2, at)
	require.ErrorIs(t, err, credits.ErrGrantCycleConsumed)
	assert.Equal(t, before, *a)

	// Unnamed cycles are never treated as consumed.
	req.Cycle = &store.CycleReset{NextGrantAt: next}
	_, err = apply.Credit(a, req, 2, at)
	require.NoError(t, err)
	_, err = apply.Credit(a, req, 3, at)
	require.NoError(t, err)
	assert.Equal(t, int64(3100), a.Balance)
}

func TestCreditRefusals(t *testing.T) {
	tests := []struct {
		name   string
		earned int64
		txn    *transaction.Transaction
		want   error
	}{
		{"nil", 100, nil, credits.ErrInvalidAmount},
		{"zero", 100, &transaction.Transaction{Amount: 0}, credits.ErrInvalidAmount},
		{"negative", 100, &transaction.Transaction{Amount: -1}, credits.ErrInvalidAmount},
		{"balance overflow", 100, &transaction.Transaction{Amount: math.MaxInt64 - 99}, credits.ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := acct(tt.earned)
			before := *a
			_, err := apply.Credit(a, store.CreditRequest{Txn: tt.txn}, 1, at)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, *a)
		})
	}
}

func TestCreditUpToLimit(t *testing.T) {
	a := acct(100)
	txn, err := apply.Credit(a, store.CreditRequest{Txn: &transaction.Transaction{Amount: math.MaxInt64 - 100}}, 1, at)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), txn.BalanceAfter)
	assert.True(t, a.Consistent())
}

func TestMarkWarnings(t *testing.T) {
	a := acct(1000)

	assert.Empty(t, apply.MarkWarnings(a, account.Thresholds, at), "a full balance reaches nothing")
	assert.Equal(t, opened, a.UpdatedAt, "no change, no touch")

	a.Balance, a.LifetimeSpent = 80, 920
	changed := apply.MarkWarnings(a, account.Thresholds, at)
	assert.Equal(t, []account.Threshold{account.Threshold25, account.Threshold10}, changed)
	assert.Equal(t, at, a.UpdatedAt)

	later := at.Add(time.Minute)
	assert.Empty(t, apply.MarkWarnings(a, []account.Threshold{account.Threshold25}, later), "set flags are not reported twice")

	// Only the requested thresholds are considered.
	a.Balance, a.LifetimeSpent = 0, 1000
	changed = apply.MarkWarnings(a, []account.Threshold{account.Threshold0}, later)
	assert.Equal(t, []account.Threshold{account.Threshold0}, changed)
	assert.Equal(t, account.WarningFlags{At25: true, At10: true, At0: true}, a.Warnings)
	assert.Equal(t, later, a.UpdatedAt)
}
