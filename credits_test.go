package credits_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
)

var testRegistry = cost.MustStaticRegistry(
	cost.Entry{ActionKey: "order.create", Name: "Create order", Cost: 100, Category: cost.CategoryOrders, Active: true},
	cost.Entry{ActionKey: "order.bulk", Name: "Bulk order", Cost: 60, Category: cost.CategoryOrders, Active: true},
	cost.Entry{ActionKey: "export.csv", Name: "CSV export", Cost: 10, Category: cost.CategoryExports, Active: true},
	cost.Entry{ActionKey: "inventory.view", Name: "View inventory", Cost: 0, Category: cost.CategoryInventory, Active: true},
	cost.Entry{ActionKey: "legacy.report", Name: "Legacy report", Cost: 25, Category: cost.CategoryAnalytics, Active: false},
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, balance int64, opts ...credits.Option) (*credits.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	opts = append([]credits.Option{credits.WithDefaultBalance(balance)}, opts...)
	return credits.New(s, testRegistry, opts...), s
}

func usageCount(t *testing.T, e *credits.Engine, tenantID string) int64 {
	t.Helper()
	n, err := e.CountTransactions(context.Background(), tenantID, transaction.ListOpts{Kind: transaction.KindUsage})
	if err != nil {
		t.Fatalf("CountTransactions: %v", err)
	}
	return n
}

func TestConsumeSufficientBalance(t *testing.T) {
	e, _ := newEngine(t, 500)
	ctx := context.Background()

	res, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{ID: "ord_1", Type: "order"})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !res.OK || res.Cost != 100 || res.Balance != 400 {
		t.Fatalf("unexpected result: %+v", res)
	}

	txns, err := e.ListTransactions(ctx, "acme", transaction.ListOpts{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	txn := txns[0]
	if txn.Kind != transaction.KindUsage || txn.Amount != -100 || txn.BalanceAfter != 400 {
		t.Errorf("unexpected transaction: %+v", txn)
	}
	if txn.ActionKey != "order.create" || txn.Reference.ID != "ord_1" {
		t.Errorf("action or reference not recorded: %+v", txn)
	}
}

func TestConsumeInsufficientBalance(t *testing.T) {
	e, _ := newEngine(t, 50)
	ctx := context.Background()

	res, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{})
	if err != nil {
		t.Fatalf("insufficient credits must not be an error: %v", err)
	}
	if res.OK || res.Reason != credits.ReasonInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got %+v", res)
	}
	if res.Balance != 50 {
		t.Errorf("reported balance = %d, want 50", res.Balance)
	}

	snap, err := e.GetBalance(ctx, "acme")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if snap.Balance != 50 {
		t.Errorf("balance changed to %d", snap.Balance)
	}
	if n := usageCount(t, e, "acme"); n != 0 {
		t.Errorf("expected no transactions, got %d", n)
	}
}

func TestConcurrentDebitRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		e, _ := newEngine(t, 100)
		ctx := context.Background()

		var wg sync.WaitGroup
		results := make([]*credits.ConsumeResult, 2)
		start := make(chan struct{})
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				res, err := e.Consume(ctx, "acme", "order.bulk", transaction.Reference{})
				if err != nil {
					t.Errorf("Consume: %v", err)
					return
				}
				results[i] = res
			}(i)
		}
		close(start)
		wg.Wait()

		var ok, insufficient int
		for _, r := range results {
			switch {
			case r == nil:
			case r.OK:
				ok++
			case r.Reason == credits.ReasonInsufficientCredits:
				insufficient++
			}
		}
		if ok != 1 || insufficient != 1 {
			t.Fatalf("round %d: expected one success and one refusal, got ok=%d insufficient=%d", round, ok, insufficient)
		}

		snap, _ := e.GetBalance(ctx, "acme")
		if snap.Balance != 40 {
			t.Fatalf("round %d: balance = %d, want 40", round, snap.Balance)
		}
		if n := usageCount(t, e, "acme"); n != 1 {
			t.Fatalf("round %d: expected exactly one usage transaction, got %d", round, n)
		}
	}
}

func TestNonNegativityAndConservationUnderLoad(t *testing.T) {
	e, s := newEngine(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Consume(ctx, "acme", "export.csv", transaction.Reference{})
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if res.OK {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 100 {
		t.Errorf("expected exactly 100 successful debits of 10 from 1000, got %d", succeeded.Load())
	}

	a, err := s.GetAccount(ctx, "acme")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Balance != 0 {
		t.Errorf("balance = %d, want 0", a.Balance)
	}
	if !a.Consistent() {
		t.Errorf("conservation violated: %+v", a)
	}

	report, err := e.Audit(ctx, "acme")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.OK() {
		t.Errorf("audit issues: %+v", report.Issues)
	}
	if report.Transactions != 100 || report.Replayed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestFreeActionIsInvisible(t *testing.T) {
	e, s := newEngine(t, 500)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := e.Consume(ctx, "acme", "inventory.view", transaction.Reference{})
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if !res.OK || res.Cost != 0 {
			t.Fatalf("unexpected result: %+v", res)
		}
	}

	if _, err := s.GetAccount(ctx, "acme"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("free actions must not touch the store, got %v", err)
	}
}

func TestTierBypass(t *testing.T) {
	e, s := newEngine(t, 500)
	ctx := context.Background()

	if err := e.SetFreeTier(ctx, "acme", false); err != nil {
		t.Fatalf("SetFreeTier: %v", err)
	}

	for i := 0; i < 10; i++ {
		res, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{})
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if !res.OK || res.Cost != 0 {
			t.Fatalf("paid tier must not be charged: %+v", res)
		}
	}

	a, _ := s.GetAccount(ctx, "acme")
	if a.Balance != 500 {
		t.Errorf("balance = %d, want 500", a.Balance)
	}
	if n := usageCount(t, e, "acme"); n != 0 {
		t.Errorf("expected no usage transactions, got %d", n)
	}
}

func TestTierResolverIsTrusted(t *testing.T) {
	paid := map[string]bool{"bigco": true}
	resolver := credits.TierResolverFunc(func(_ context.Context, tenantID string) (bool, error) {
		return !paid[tenantID], nil
	})
	e, s := newEngine(t, 500, credits.WithTierResolver(resolver), credits.WithDefaultFreeTier(false))
	ctx := context.Background()

	res, err := e.Consume(ctx, "bigco", "order.create", transaction.Reference{})
	if err != nil || !res.OK || res.Cost != 0 {
		t.Fatalf("paid tenant: %+v, %v", res, err)
	}
	if _, err := s.GetAccount(ctx, "bigco"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("paid tenant should not get an account row, got %v", err)
	}

	res, err = e.Consume(ctx, "smallco", "order.create", transaction.Reference{})
	if err != nil || !res.OK || res.Cost != 100 {
		t.Fatalf("free tenant: %+v, %v", res, err)
	}
	a, _ := s.GetAccount(ctx, "smallco")
	if !a.FreeTier {
		t.Error("resolver answer should be persisted on the account")
	}
}

func TestUnknownActionPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     cost.UnknownPolicy
		key        string
		wantOK     bool
		wantReason credits.Reason
	}{
		{"fail open missing", cost.UnknownFailOpen, "nope", true, credits.ReasonNone},
		{"fail open inactive", cost.UnknownFailOpen, "legacy.report", true, credits.ReasonNone},
		{"fail closed missing", cost.UnknownFailClosed, "nope", false, credits.ReasonUnknownAction},
		{"fail closed inactive", cost.UnknownFailClosed, "legacy.report", false, credits.ReasonUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, 500, credits.WithUnknownActionPolicy(tt.policy))
			ctx := context.Background()

			res, err := e.Consume(ctx, "acme", tt.key, transaction.Reference{})
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if res.OK != tt.wantOK || res.Reason != tt.wantReason || res.Cost != 0 {
				t.Errorf("got %+v", res)
			}
			if n := usageCount(t, e, "acme"); n != 0 {
				t.Errorf("unknown actions must never be charged, got %d transactions", n)
			}
		})
	}
}

func TestDefaultPolicyIsFailOpen(t *testing.T) {
	e, _ := newEngine(t, 500)
	res, err := e.Consume(context.Background(), "acme", "not.configured", transaction.Reference{})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !res.OK {
		t.Errorf("default policy should allow unknown actions, got %+v", res)
	}
}

func TestGetBalanceDoesNotCreateAccount(t *testing.T) {
	e, s := newEngine(t, 750)
	ctx := context.Background()

	snap, err := e.GetBalance(ctx, "newco")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if snap.Exists || snap.Balance != 750 || !snap.IsFreeTier {
		t.Errorf("unexpected default snapshot: %+v", snap)
	}
	if _, err := s.GetAccount(ctx, "newco"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("GetBalance must not create a row, got %v", err)
	}
}

func TestInvalidTenant(t *testing.T) {
	e, _ := newEngine(t, 500)
	if _, err := e.Consume(context.Background(), "", "order.create", transaction.Reference{}); !errors.Is(err, credits.ErrInvalidTenant) {
		t.Errorf("expected ErrInvalidTenant, got %v", err)
	}
}

func TestLockTimeoutIsTransient(t *testing.T) {
	s := memory.New(memory.WithLockTimeout(20 * time.Millisecond))
	e := credits.New(s, testRegistry, credits.WithDefaultBalance(500))
	ctx := context.Background()

	// Materialize the account, then hold its lock.
	if _, err := e.Consume(ctx, "acme", "export.csv", transaction.Reference{}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	release, err := s.Hold(ctx, "acme")
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}

	_, err = e.Consume(ctx, "acme", "export.csv", transaction.Reference{})
	if !errors.Is(err, credits.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !credits.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}

	// Reads are not blocked by the held lock.
	snap, err := e.GetBalance(ctx, "acme")
	if err != nil || snap.Balance != 490 {
		t.Fatalf("GetBalance while locked: %+v, %v", snap, err)
	}
	release()

	res, err := e.Consume(ctx, "acme", "export.csv", transaction.Reference{})
	if err != nil || !res.OK || res.Balance != 480 {
		t.Fatalf("retry after release: %+v, %v", res, err)
	}
	if n := usageCount(t, e, "acme"); n != 2 {
		t.Errorf("timed-out attempt must not write, got %d transactions", n)
	}
}

func TestGrantResetsWarnings(t *testing.T) {
	clock := &fixedClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, s := newEngine(t, 1000, credits.WithClock(clock.Now))
	ctx := context.Background()

	// 1000 -> 0 crosses every threshold.
	for i := 0; i < 10; i++ {
		if _, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{}); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	a, _ := s.GetAccount(ctx, "acme")
	if a.Warnings != (account.WarningFlags{At25: true, At10: true, At5: true, At0: true}) {
		t.Fatalf("expected all flags set, got %+v", a.Warnings)
	}

	clock.Advance(time.Hour)
	txn, err := e.GrantFreeCredits(ctx, "acme", 500)
	if err != nil {
		t.Fatalf("GrantFreeCredits: %v", err)
	}
	if txn.Kind != transaction.KindFreeGrant || txn.BalanceAfter != 500 {
		t.Errorf("unexpected grant transaction: %+v", txn)
	}

	a, _ = s.GetAccount(ctx, "acme")
	if a.Warnings != (account.WarningFlags{}) {
		t.Errorf("flags not reset: %+v", a.Warnings)
	}
	if want := clock.Now().Add(credits.DefaultGrantInterval); !a.NextGrantAt.Equal(want) {
		t.Errorf("NextGrantAt = %v, want %v", a.NextGrantAt, want)
	}
	if a.LastGrantAmount != 500 {
		t.Errorf("LastGrantAmount = %d, want 500", a.LastGrantAmount)
	}
}

func TestPurchaseKeepsWarnings(t *testing.T) {
	e, s := newEngine(t, 1000)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, _ = e.Consume(ctx, "acme", "order.create", transaction.Reference{})
	}
	before, _ := s.GetAccount(ctx, "acme")
	if !before.Warnings.At25 {
		t.Fatalf("expected 25%% flag after spending 80%%, got %+v", before.Warnings)
	}

	txn, err := e.PurchaseCredits(ctx, "acme", 5000, "pi_123")
	if err != nil {
		t.Fatalf("PurchaseCredits: %v", err)
	}
	if txn.Reference.ID != "pi_123" || txn.Reference.Type != transaction.RefTypePayment {
		t.Errorf("payment reference not recorded: %+v", txn.Reference)
	}

	after, _ := s.GetAccount(ctx, "acme")
	if after.Warnings != before.Warnings {
		t.Errorf("purchase must not reset flags: before %+v after %+v", before.Warnings, after.Warnings)
	}
	if after.Balance != 5200 {
		t.Errorf("balance = %d, want 5200", after.Balance)
	}
}

func TestGrantCycleIsIdempotent(t *testing.T) {
	e, s := newEngine(t, 0)
	ctx := context.Background()

	if _, err := e.GrantFreeCreditsForCycle(ctx, "acme", 300, "2025-01"); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	_, err := e.GrantFreeCreditsForCycle(ctx, "acme", 300, "2025-01")
	if !errors.Is(err, credits.ErrGrantCycleConsumed) {
		t.Fatalf("expected ErrGrantCycleConsumed, got %v", err)
	}
	if _, err := e.GrantFreeCreditsForCycle(ctx, "acme", 300, "2025-02"); err != nil {
		t.Fatalf("next cycle: %v", err)
	}

	a, _ := s.GetAccount(ctx, "acme")
	if a.Balance != 600 || a.LastGrantCycle != "2025-02" {
		t.Errorf("unexpected account: %+v", a)
	}
}

func TestConcurrentGrantsForSameCycle(t *testing.T) {
	e, s := newEngine(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.GrantFreeCreditsForCycle(ctx, "acme", 100, "cycle-1"); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("expected exactly one grant, got %d", granted.Load())
	}
	a, _ := s.GetAccount(ctx, "acme")
	if a.Balance != 100 {
		t.Errorf("balance = %d, want 100", a.Balance)
	}
}

func TestAdjust(t *testing.T) {
	e, _ := newEngine(t, 100)
	ctx := context.Background()

	txn, err := e.Adjust(ctx, "acme", 50, "goodwill")
	if err != nil || txn.BalanceAfter != 150 {
		t.Fatalf("positive adjust: %+v, %v", txn, err)
	}
	txn, err = e.Adjust(ctx, "acme", -120, "correction")
	if err != nil || txn.BalanceAfter != 30 || txn.Kind != transaction.KindAdjustment {
		t.Fatalf("negative adjust: %+v, %v", txn, err)
	}
	if _, err := e.Adjust(ctx, "acme", -31, "too much"); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := e.Adjust(ctx, "acme", 0, "noop"); !errors.Is(err, credits.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	report, err := e.Audit(ctx, "acme")
	if err != nil || !report.OK() {
		t.Fatalf("audit: %+v, %v", report, err)
	}
}

func TestAuditReplayAcrossKinds(t *testing.T) {
	e, _ := newEngine(t, 200)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{}); return err },
		func() error { _, err := e.PurchaseCredits(ctx, "acme", 1000, "pay_1"); return err },
		func() error { _, err := e.Refund(ctx, "acme", 100, transaction.Reference{ID: "ord_9", Type: "order"}, "failed order"); return err },
		func() error { _, err := e.Bonus(ctx, "acme", 25, "welcome"); return err },
		func() error { _, err := e.GrantFreeCredits(ctx, "acme", 500); return err },
		func() error { _, err := e.Consume(ctx, "acme", "export.csv", transaction.Reference{}); return err },
		func() error { _, err := e.Adjust(ctx, "acme", -15, "fix"); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	report, err := e.Audit(ctx, "acme")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.OK() {
		t.Fatalf("audit issues: %+v", report.Issues)
	}
	want := int64(200 - 100 + 1000 + 100 + 25 + 500 - 10 - 15)
	if report.Replayed != want || report.Balance != want {
		t.Errorf("replayed %d, stored %d, want %d", report.Replayed, report.Balance, want)
	}
	if report.Transactions != len(steps) {
		t.Errorf("transactions = %d, want %d", report.Transactions, len(steps))
	}

	txns, _ := e.ListTransactions(ctx, "acme", transaction.ListOpts{Limit: 2})
	if len(txns) != 2 || txns[0].Seq != int64(len(steps)) {
		t.Errorf("expected most recent first, got %+v", txns)
	}
}

func TestInvalidAmounts(t *testing.T) {
	e, _ := newEngine(t, 100)
	ctx := context.Background()

	if _, err := e.PurchaseCredits(ctx, "acme", 0, "pay"); !errors.Is(err, credits.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.GrantFreeCredits(ctx, "acme", -5); !errors.Is(err, credits.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.PurchaseCredits(ctx, "acme", 10, ""); !errors.Is(err, credits.ErrInvalidInput) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPromotionalGrants(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e, _ := newEngine(t, 100, credits.WithClock(clock.Now))
	ctx := context.Background()

	expires := clock.Now().Add(24 * time.Hour)
	welcome := &grant.Grant{TenantID: "acme", Amount: 40, Type: grant.TypePromo, Code: "WELCOME", OneTime: true, ExpiresAt: &expires}
	if err := e.IssueGrant(ctx, welcome); err != nil {
		t.Fatalf("IssueGrant: %v", err)
	}
	if welcome.ID.IsNil() {
		t.Fatal("expected an id to be assigned")
	}

	// Issuing does not touch the balance.
	snap, _ := e.GetBalance(ctx, "acme")
	if snap.Balance != 100 {
		t.Fatalf("balance after issue = %d, want 100", snap.Balance)
	}

	txn, err := e.RedeemGrant(ctx, welcome.ID)
	if err != nil {
		t.Fatalf("RedeemGrant: %v", err)
	}
	if txn.Kind != transaction.KindBonus || txn.BalanceAfter != 140 || txn.Reference.Type != transaction.RefTypeGrant {
		t.Fatalf("unexpected redemption %+v", txn)
	}
	if _, err := e.RedeemGrant(ctx, welcome.ID); !errors.Is(err, credits.ErrGrantRedeemed) {
		t.Fatalf("second redemption: expected ErrGrantRedeemed, got %v", err)
	}

	late := &grant.Grant{TenantID: "acme", Amount: 10, Type: grant.TypeCompensation, OneTime: true, ExpiresAt: &expires}
	if err := e.IssueGrant(ctx, late); err != nil {
		t.Fatalf("IssueGrant: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := e.RedeemGrant(ctx, late.ID); !errors.Is(err, credits.ErrGrantExpired) {
		t.Fatalf("expected ErrGrantExpired, got %v", err)
	}

	for _, bad := range []*grant.Grant{
		{TenantID: "acme", Amount: 0, Type: grant.TypePromo},
		{TenantID: "acme", Amount: 5, Type: "lottery"},
		{TenantID: "", Amount: 5, Type: grant.TypePromo},
	} {
		if err := e.IssueGrant(ctx, bad); err == nil {
			t.Fatalf("expected IssueGrant(%+v) to fail", bad)
		}
	}

	all, err := e.ListGrants(ctx, "acme", grant.ListOpts{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListGrants = %d, %v; want 2", len(all), err)
	}

	report, err := e.Audit(ctx, "acme")
	if err != nil || !report.OK() || report.Balance != 140 {
		t.Fatalf("audit: %+v, %v", report, err)
	}
}

func TestAuditReportsGrantRedeemedWithoutCredit(t *testing.T) {
	e, store := newEngine(t, 100)
	ctx := context.Background()

	kept := &grant.Grant{TenantID: "acme", Amount: 40, Type: grant.TypePromo, OneTime: true}
	lost := &grant.Grant{TenantID: "acme", Amount: 25, Type: grant.TypeCompensation, OneTime: true}
	for _, g := range []*grant.Grant{kept, lost} {
		if err := e.IssueGrant(ctx, g); err != nil {
			t.Fatalf("IssueGrant: %v", err)
		}
	}
	if _, err := e.RedeemGrant(ctx, kept.ID); err != nil {
		t.Fatalf("RedeemGrant: %v", err)
	}

	report, err := e.Audit(ctx, "acme")
	if err != nil || !report.OK() {
		t.Fatalf("audit after a normal redemption: %+v, %v", report, err)
	}

	// The mark lands but the process dies before the credit.
	if err := store.MarkGrantRedeemed(ctx, lost.ID, time.Now()); err != nil {
		t.Fatalf("MarkGrantRedeemed: %v", err)
	}

	report, err = e.Audit(ctx, "acme")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.OK() || len(report.Issues) != 1 {
		t.Fatalf("issues = %+v, want one", report.Issues)
	}
	if !strings.Contains(report.Issues[0].Message, lost.ID.String()) {
		t.Errorf("issue %q does not name grant %s", report.Issues[0].Message, lost.ID)
	}
	if report.Balance != 140 || report.Replayed != 140 {
		t.Errorf("balance %d, replayed %d, want 140", report.Balance, report.Replayed)
	}
}

// grantBeforeMark is a store that lands a free grant between an engine's
// warning check and its flag write.
type grantBeforeMark struct {
	*memory.Store
	engine *credits.Engine
	armed  atomic.Bool
}

func (g *grantBeforeMark) MarkWarnings(ctx context.Context, tenantID string, thresholds []account.Threshold) ([]account.Threshold, error) {
	if g.armed.CompareAndSwap(true, false) {
		if _, err := g.engine.GrantFreeCredits(ctx, tenantID, 1000); err != nil {
			return nil, err
		}
	}
	return g.Store.MarkWarnings(ctx, tenantID, thresholds)
}

type thresholdRecorder struct {
	mu   sync.Mutex
	seen []account.Threshold
}

func (r *thresholdRecorder) Name() string { return "threshold-recorder" }

func (r *thresholdRecorder) OnThresholdCrossed(_ context.Context, _ string, t account.Threshold, _ *account.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
	return nil
}

func (r *thresholdRecorder) thresholds() []account.Threshold {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]account.Threshold(nil), r.seen...)
}

func TestGrantDuringWarningCheck(t *testing.T) {
	s := &grantBeforeMark{Store: memory.New()}
	rec := &thresholdRecorder{}
	e := credits.New(s, testRegistry,
		credits.WithDefaultBalance(100),
		credits.WithAutoWarnings(false),
		credits.WithPlugin(rec),
	)
	s.engine = e
	ctx := context.Background()

	if res, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{}); err != nil || res.Balance != 0 {
		t.Fatalf("drain: %+v, %v", res, err)
	}

	s.armed.Store(true)
	changed, err := e.ApplyWarnings(ctx, "acme")
	if err != nil {
		t.Fatalf("ApplyWarnings: %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("refilled account reported %v", changed)
	}
	if got := rec.thresholds(); len(got) != 0 {
		t.Errorf("plugins notified %v for a full balance", got)
	}
	a, _ := s.GetAccount(ctx, "acme")
	if a.Balance != 1000 || a.Warnings != (account.WarningFlags{}) {
		t.Fatalf("after grant: balance %d flags %+v", a.Balance, a.Warnings)
	}

	// The new cycle's own warnings still fire.
	for i := 0; i < 8; i++ {
		if _, err := e.Consume(ctx, "acme", "order.create", transaction.Reference{}); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	changed, err = e.ApplyWarnings(ctx, "acme")
	if err != nil {
		t.Fatalf("ApplyWarnings: %v", err)
	}
	if len(changed) != 1 || changed[0] != account.Threshold25 {
		t.Errorf("changed = %v, want [25%%]", changed)
	}
	if got := rec.thresholds(); len(got) != 1 || got[0] != account.Threshold25 {
		t.Errorf("notified %v, want [25%%]", got)
	}
}
