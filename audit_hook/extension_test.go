package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/credits/account"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
)

type capture struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *capture) Record(_ context.Context, evt *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func usageTxn() *transaction.Transaction {
	return &transaction.Transaction{
		ID:           id.NewTransactionID(),
		TenantID:     "acme",
		Amount:       -100,
		BalanceAfter: 400,
		Kind:         transaction.KindUsage,
		ActionKey:    "order.create",
	}
}

func TestRecordsConsumption(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)

	txn := usageTxn()
	entry := &cost.Entry{ActionKey: "order.create", Cost: 100}
	if err := ext.OnCreditsConsumed(context.Background(), txn, entry); err != nil {
		t.Fatal(err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	evt := rec.events[0]
	if evt.Action != audithook.ActionCreditsConsumed {
		t.Errorf("action = %q", evt.Action)
	}
	if evt.ResourceID != txn.ID.String() || evt.TenantID != "acme" {
		t.Errorf("unexpected resource %q tenant %q", evt.ResourceID, evt.TenantID)
	}
	if evt.Metadata["cost"] != int64(100) || evt.Metadata["balance_after"] != int64(400) {
		t.Errorf("unexpected metadata: %v", evt.Metadata)
	}
}

func TestThresholdSeverity(t *testing.T) {
	tests := []struct {
		threshold account.Threshold
		severity  string
	}{
		{account.Threshold25, audithook.SeverityInfo},
		{account.Threshold5, audithook.SeverityInfo},
		{account.Threshold0, audithook.SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.threshold.String(), func(t *testing.T) {
			rec := &capture{}
			ext := audithook.New(rec)
			snap := &account.Snapshot{TenantID: "acme", Balance: 0}
			if err := ext.OnThresholdCrossed(context.Background(), "acme", tt.threshold, snap); err != nil {
				t.Fatal(err)
			}
			if got := rec.events[0].Severity; got != tt.severity {
				t.Errorf("severity = %q, want %q", got, tt.severity)
			}
			if got := rec.events[0].Metadata["threshold"]; got != tt.threshold.String() {
				t.Errorf("threshold = %v", got)
			}
		})
	}
}

func TestEnabledActions(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionInsufficientCredits))
	ctx := context.Background()

	_ = ext.OnCreditsConsumed(ctx, usageTxn(), &cost.Entry{ActionKey: "order.create", Cost: 100})
	_ = ext.OnInsufficientCredits(ctx, "acme", "order.create", 100, 50)

	if len(rec.events) != 1 || rec.events[0].Action != audithook.ActionInsufficientCredits {
		t.Fatalf("expected only the insufficient credits event, got %+v", rec.events)
	}
}

func TestDisabledActions(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionCreditsConsumed))
	ctx := context.Background()

	_ = ext.OnCreditsConsumed(ctx, usageTxn(), &cost.Entry{ActionKey: "order.create", Cost: 100})
	_ = ext.OnUnknownAction(ctx, "acme", "mystery")

	if len(rec.events) != 1 || rec.events[0].Action != audithook.ActionUnknownAction {
		t.Fatalf("expected only the unknown action event, got %+v", rec.events)
	}
}

func TestEnabledAndDisabledCombine(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec,
		audithook.WithDisabledActions(audithook.ActionUnknownAction),
		audithook.WithEnabledActions(audithook.ActionUnknownAction, audithook.ActionInsufficientCredits),
	)
	ctx := context.Background()

	_ = ext.OnUnknownAction(ctx, "acme", "mystery")
	_ = ext.OnInsufficientCredits(ctx, "acme", "order.create", 100, 50)
	_ = ext.OnCreditsConsumed(ctx, usageTxn(), &cost.Entry{ActionKey: "order.create", Cost: 100})

	if len(rec.events) != 1 || rec.events[0].Action != audithook.ActionInsufficientCredits {
		t.Fatalf("expected only the insufficient credits event, got %+v", rec.events)
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))

	if err := ext.OnCreditsAdjusted(context.Background(), usageTxn()); err != nil {
		t.Fatalf("recorder errors must not propagate, got %v", err)
	}
}
