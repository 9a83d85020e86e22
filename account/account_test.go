package account_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/xraph/credits/account"
)

func TestNewAccountOpeningState(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := account.New("t1", account.Defaults{
		StartingBalance: 1000,
		FreeTier:        true,
		GrantInterval:   30 * 24 * time.Hour,
	}, now)

	if a.Balance != 1000 || a.LifetimeEarned != 1000 || a.InitialBalance != 1000 {
		t.Fatalf("unexpected opening balances: %+v", a)
	}
	if a.LifetimeSpent != 0 {
		t.Errorf("expected zero lifetime spent, got %d", a.LifetimeSpent)
	}
	if !a.NextGrantAt.Equal(now.Add(30 * 24 * time.Hour)) {
		t.Errorf("NextGrantAt = %v", a.NextGrantAt)
	}
	if !a.Consistent() {
		t.Error("new account should be consistent")
	}
}

func TestCrossed(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		baseline int64
		flags    account.WarningFlags
		want     []account.Threshold
	}{
		{"healthy", 500, 1000, account.WarningFlags{}, nil},
		{"exactly 25%", 250, 1000, account.WarningFlags{}, []account.Threshold{account.Threshold25}},
		{"below 10%", 90, 1000, account.WarningFlags{}, []account.Threshold{account.Threshold25, account.Threshold10}},
		{"below 10% with 25 already sent", 90, 1000, account.WarningFlags{At25: true}, []account.Threshold{account.Threshold10}},
		{"at 5%", 50, 1000, account.WarningFlags{At25: true, At10: true}, []account.Threshold{account.Threshold5}},
		{"empty", 0, 1000, account.WarningFlags{}, []account.Threshold{account.Threshold25, account.Threshold10, account.Threshold5, account.Threshold0}},
		{"empty all sent", 0, 1000, account.WarningFlags{At25: true, At10: true, At5: true, At0: true}, nil},
		{"zero baseline only zero threshold", 0, 0, account.WarningFlags{}, []account.Threshold{account.Threshold0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &account.Account{
				Balance:         tt.balance,
				LifetimeEarned:  tt.baseline,
				LastGrantAmount: tt.baseline,
				Warnings:        tt.flags,
			}
			got := a.Crossed()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Crossed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBaselineFallsBackToLifetimeEarned(t *testing.T) {
	a := &account.Account{LifetimeEarned: 400}
	if a.Baseline() != 400 {
		t.Errorf("Baseline() = %d, want 400", a.Baseline())
	}
	a.LastGrantAmount = 200
	if a.Baseline() != 200 {
		t.Errorf("Baseline() = %d, want 200", a.Baseline())
	}
}

func TestWarningFlagsSetIsMonotonic(t *testing.T) {
	var w account.WarningFlags
	if !w.Set(account.Threshold10) {
		t.Fatal("first Set should report a change")
	}
	if w.Set(account.Threshold10) {
		t.Error("second Set should not report a change")
	}
	if w.Set(account.Threshold(7)) {
		t.Error("unknown threshold should be ignored")
	}
	w.Reset()
	if w.IsSet(account.Threshold10) {
		t.Error("Reset should clear all flags")
	}
}
