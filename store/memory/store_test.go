package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/storetest"
	"github.com/xraph/credits/transaction"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestHoldBlocksMutations(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithLockTimeout(20 * time.Millisecond))
	if _, err := s.EnsureAccount(ctx, account.New("t1", account.Defaults{StartingBalance: 10}, time.Now())); err != nil {
		t.Fatal(err)
	}

	release, err := s.Hold(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Debit(ctx, store.DebitRequest{Txn: &transaction.Transaction{TenantID: "t1", Amount: -1, Kind: transaction.KindUsage}})
	if err != credits.ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	// Reads do not wait for the tenant lock.
	if _, err := s.GetAccount(ctx, "t1"); err != nil {
		t.Fatalf("GetAccount while held: %v", err)
	}

	release()
	if _, err := s.Debit(ctx, store.DebitRequest{Txn: &transaction.Transaction{TenantID: "t1", Amount: -1, Kind: transaction.KindUsage}}); err != nil {
		t.Fatalf("Debit after release: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); err != credits.ErrStoreClosed {
		t.Fatalf("Ping: expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "t1"); err != credits.ErrStoreClosed {
		t.Fatalf("GetAccount: expected ErrStoreClosed, got %v", err)
	}
}
