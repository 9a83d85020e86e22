package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// GetBalance returns the tenant's balance. A tenant without an account gets
// the default opening snapshot (Exists=false); no row is created.
func (e *Engine) GetBalance(ctx context.Context, tenantID string) (*account.Snapshot, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}

	a, err := e.store.GetAccount(ctx, tenantID)
	if errors.Is(err, ErrAccountNotFound) {
		snap := account.New(tenantID, e.defaults, e.clock()).Snapshot()
		snap.Exists = false
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	return a.Snapshot(), nil
}

// NotificationCheck reports which warning thresholds the balance has
// reached since they were last notified. It does not modify anything.
func (e *Engine) NotificationCheck(ctx context.Context, tenantID string) ([]account.Threshold, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}

	a, err := e.store.GetAccount(ctx, tenantID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.Crossed(), nil
}

// ApplyWarnings runs NotificationCheck, records the newly crossed
// thresholds on the account and notifies OnThresholdCrossed plugins once per
// threshold. Concurrent callers never notify the same threshold twice.
func (e *Engine) ApplyWarnings(ctx context.Context, tenantID string) ([]account.Threshold, error) {
	crossed, err := e.NotificationCheck(ctx, tenantID)
	if err != nil || len(crossed) == 0 {
		return nil, err
	}

	changed, err := e.store.MarkWarnings(ctx, tenantID, crossed)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	snap, err := e.GetBalance(ctx, tenantID)
	if err != nil {
		return changed, err
	}
	for _, t := range changed {
		e.logger.Info("low balance threshold crossed",
			"tenant_id", tenantID,
			"threshold", t.String(),
			"balance", snap.Balance,
		)
		e.plugins.EmitThresholdCrossed(ctx, tenantID, t, snap)
	}
	return changed, nil
}

// ListTransactions returns the tenant's history, most recent first.
func (e *Engine) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, tenantID, opts)
}

// CountTransactions counts the tenant's entries matching opts.
func (e *Engine) CountTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) (int64, error) {
	if err := validTenant(tenantID); err != nil {
		return 0, err
	}
	return e.store.CountTransactions(ctx, tenantID, opts)
}

// ──────────────────────────────────────────────────
// Audit
// ──────────────────────────────────────────────────

// AuditIssue describes one inconsistency found by Audit.
type AuditIssue struct {
	Seq           int64  `json:"seq,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// AuditReport is the result of replaying a tenant's log.
type AuditReport struct {
	TenantID       string       `json:"tenant_id"`
	InitialBalance int64        `json:"initial_balance"`
	Balance        int64        `json:"balance"`
	LifetimeEarned int64        `json:"lifetime_earned"`
	LifetimeSpent  int64        `json:"lifetime_spent"`
	Replayed       int64        `json:"replayed_balance"`
	Credited       int64        `json:"credited"`
	Debited        int64        `json:"debited"`
	Transactions   int          `json:"transactions"`
	Issues         []AuditIssue `json:"issues,omitempty"`
}

// OK reports whether the audit found no issues.
func (r *AuditReport) OK() bool { return len(r.Issues) == 0 }

const auditPageSize = 500

// Audit replays the tenant's transaction log from the opening balance and
// checks that every BalanceAfter matches the running total, that no balance
// was ever negative, that the final replayed balance equals the stored one,
// that balance = lifetime earned - lifetime spent, and that every redeemed
// one-time grant has the credit that redeemed it.
//
// The log is read page by page while writes may continue, so run it against
// a quiescent tenant for an exact result.
func (e *Engine) Audit(ctx context.Context, tenantID string) (*AuditReport, error) {
	if err := validTenant(tenantID); err != nil {
		return nil, err
	}

	a, err := e.store.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var txns []*transaction.Transaction
	for offset := 0; ; offset += auditPageSize {
		page, err := e.store.ListTransactions(ctx, tenantID, transaction.ListOpts{Limit: auditPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		txns = append(txns, page...)
		if len(page) < auditPageSize {
			break
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].Seq < txns[j].Seq })

	report := &AuditReport{
		TenantID:       tenantID,
		InitialBalance: a.InitialBalance,
		Balance:        a.Balance,
		LifetimeEarned: a.LifetimeEarned,
		LifetimeSpent:  a.LifetimeSpent,
		Transactions:   len(txns),
	}

	running := a.InitialBalance
	for i, t := range txns {
		if t.Seq != int64(i)+1 {
			report.Issues = append(report.Issues, AuditIssue{
				Seq: t.Seq, TransactionID: t.ID.String(),
				Message: fmt.Sprintf("sequence gap: expected %d", i+1),
			})
		}
		if running, err = types.AddCredits(running, t.Amount); err != nil {
			return nil, err
		}
		if t.Amount >= 0 {
			report.Credited += t.Amount
		} else {
			report.Debited -= t.Amount
		}
		if t.BalanceAfter != running {
			report.Issues = append(report.Issues, AuditIssue{
				Seq: t.Seq, TransactionID: t.ID.String(),
				Message: fmt.Sprintf("balance_after %d does not match replayed balance %d", t.BalanceAfter, running),
			})
		}
		if running < 0 {
			report.Issues = append(report.Issues, AuditIssue{
				Seq: t.Seq, TransactionID: t.ID.String(),
				Message: fmt.Sprintf("negative balance %d", running),
			})
		}
	}
	report.Replayed = running

	if running != a.Balance {
		report.Issues = append(report.Issues, AuditIssue{
			Message: fmt.Sprintf("replayed balance %d does not match stored balance %d", running, a.Balance),
		})
	}
	if !a.Consistent() {
		report.Issues = append(report.Issues, AuditIssue{
			Message: fmt.Sprintf("balance %d != lifetime earned %d - lifetime spent %d", a.Balance, a.LifetimeEarned, a.LifetimeSpent),
		})
	}
	if a.InitialBalance+report.Credited != a.LifetimeEarned || report.Debited != a.LifetimeSpent {
		report.Issues = append(report.Issues, AuditIssue{
			Message: fmt.Sprintf("lifetime totals (%d earned, %d spent) do not match log (%d credited, %d debited)",
				a.LifetimeEarned, a.LifetimeSpent, a.InitialBalance+report.Credited, report.Debited),
		})
	}

	orphans, err := e.orphanedRedemptions(ctx, tenantID, txns)
	if err != nil {
		return nil, err
	}
	for _, g := range orphans {
		report.Issues = append(report.Issues, AuditIssue{
			Message: fmt.Sprintf("grant %s is marked redeemed but no credit references it", g.ID),
		})
	}

	if !report.OK() {
		e.logger.Warn("credit audit found issues",
			"tenant_id", tenantID,
			"issues", len(report.Issues),
		)
	}
	return report, nil
}

// orphanedRedemptions returns the tenant's redeemed grants that no
// transaction in txns references. RedeemGrant marks a one-time grant before
// crediting it, so a crash between the two writes leaves one of these.
func (e *Engine) orphanedRedemptions(ctx context.Context, tenantID string, txns []*transaction.Transaction) ([]*grant.Grant, error) {
	credited := make(map[string]struct{})
	for _, t := range txns {
		if t.Reference.Type == transaction.RefTypeGrant {
			credited[t.Reference.ID] = struct{}{}
		}
	}

	var orphans []*grant.Grant
	for offset := 0; ; offset += auditPageSize {
		page, err := e.store.ListGrants(ctx, tenantID, grant.ListOpts{Limit: auditPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, g := range page {
			if !g.Redeemed() {
				continue
			}
			if _, ok := credited[g.ID.String()]; !ok {
				orphans = append(orphans, g)
			}
		}
		if len(page) < auditPageSize {
			return orphans, nil
		}
	}
}
