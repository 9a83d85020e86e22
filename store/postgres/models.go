package postgres

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	TenantID        string    `grove:"tenant_id,pk"`
	Balance         int64     `grove:"balance"`
	LifetimeEarned  int64     `grove:"lifetime_earned"`
	LifetimeSpent   int64     `grove:"lifetime_spent"`
	InitialBalance  int64     `grove:"initial_balance"`
	FreeTier        bool      `grove:"free_tier"`
	NextGrantAt     time.Time `grove:"next_grant_at"`
	LastGrantAmount int64     `grove:"last_grant_amount"`
	LastGrantCycle  string    `grove:"last_grant_cycle"`
	Warned25        bool      `grove:"warned_25"`
	Warned10        bool      `grove:"warned_10"`
	Warned5         bool      `grove:"warned_5"`
	Warned0         bool      `grove:"warned_0"`
	LastSeq         int64     `grove:"last_seq"`
	CreatedAt       time.Time `grove:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		TenantID:        a.TenantID,
		Balance:         a.Balance,
		LifetimeEarned:  a.LifetimeEarned,
		LifetimeSpent:   a.LifetimeSpent,
		InitialBalance:  a.InitialBalance,
		FreeTier:        a.FreeTier,
		NextGrantAt:     a.NextGrantAt,
		LastGrantAmount: a.LastGrantAmount,
		LastGrantCycle:  a.LastGrantCycle,
		Warned25:        a.Warnings.At25,
		Warned10:        a.Warnings.At10,
		Warned5:         a.Warnings.At5,
		Warned0:         a.Warnings.At0,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		TenantID:        m.TenantID,
		Balance:         m.Balance,
		LifetimeEarned:  m.LifetimeEarned,
		LifetimeSpent:   m.LifetimeSpent,
		InitialBalance:  m.InitialBalance,
		FreeTier:        m.FreeTier,
		NextGrantAt:     m.NextGrantAt,
		LastGrantAmount: m.LastGrantAmount,
		LastGrantCycle:  m.LastGrantCycle,
		Warnings: account.WarningFlags{
			At25: m.Warned25,
			At10: m.Warned10,
			At5:  m.Warned5,
			At0:  m.Warned0,
		},
	}
}

// ==================== Transaction models ====================

type transactionModel struct {
	grove.BaseModel `grove:"table:credit_transactions"`

	ID           string            `grove:"id,pk"`
	TenantID     string            `grove:"tenant_id"`
	Seq          int64             `grove:"seq"`
	Amount       int64             `grove:"amount"`
	BalanceAfter int64             `grove:"balance_after"`
	Kind         string            `grove:"kind"`
	ActionKey    string            `grove:"action_key"`
	RefID        string            `grove:"ref_id"`
	RefType      string            `grove:"ref_type"`
	Description  string            `grove:"description"`
	Metadata     map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt    time.Time         `grove:"created_at"`
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return &transactionModel{
		ID:           t.ID.String(),
		TenantID:     t.TenantID,
		Seq:          t.Seq,
		Amount:       t.Amount,
		BalanceAfter: t.BalanceAfter,
		Kind:         string(t.Kind),
		ActionKey:    t.ActionKey,
		RefID:        t.Reference.ID,
		RefType:      t.Reference.Type,
		Description:  t.Description,
		Metadata:     meta,
		CreatedAt:    t.CreatedAt,
	}
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &transaction.Transaction{
		ID:           txnID,
		TenantID:     m.TenantID,
		Seq:          m.Seq,
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		Kind:         transaction.Kind(m.Kind),
		ActionKey:    m.ActionKey,
		Reference:    transaction.Reference{ID: m.RefID, Type: m.RefType},
		Description:  m.Description,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
	}, nil
}

// ==================== Grant models ====================

type grantModel struct {
	grove.BaseModel `grove:"table:credit_grants"`

	ID          string            `grove:"id,pk"`
	TenantID    string            `grove:"tenant_id"`
	Amount      int64             `grove:"amount"`
	Type        string            `grove:"type"`
	Code        string            `grove:"code"`
	Description string            `grove:"description"`
	OneTime     bool              `grove:"one_time"`
	ExpiresAt   *time.Time        `grove:"expires_at"`
	RedeemedAt  *time.Time        `grove:"redeemed_at"`
	Metadata    map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time         `grove:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"`
}

func toGrantModel(g *grant.Grant) *grantModel {
	meta := g.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return &grantModel{
		ID:          g.ID.String(),
		TenantID:    g.TenantID,
		Amount:      g.Amount,
		Type:        string(g.Type),
		Code:        g.Code,
		Description: g.Description,
		OneTime:     g.OneTime,
		ExpiresAt:   g.ExpiresAt,
		RedeemedAt:  g.RedeemedAt,
		Metadata:    meta,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func fromGrantModel(m *grantModel) (*grant.Grant, error) {
	grantID, err := id.ParseGrantID(m.ID)
	if err != nil {
		return nil, err
	}
	return &grant.Grant{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          grantID,
		TenantID:    m.TenantID,
		Amount:      m.Amount,
		Type:        grant.Type(m.Type),
		Code:        m.Code,
		Description: m.Description,
		OneTime:     m.OneTime,
		ExpiresAt:   m.ExpiresAt,
		RedeemedAt:  m.RedeemedAt,
		Metadata:    m.Metadata,
	}, nil
}
