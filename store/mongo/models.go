package mongo

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

	TenantID        string    `grove:"tenant_id,pk"      bson:"_id"`
	Balance         int64     `grove:"balance"           bson:"balance"`
	LifetimeEarned  int64     `grove:"lifetime_earned"   bson:"lifetime_earned"`
	LifetimeSpent   int64     `grove:"lifetime_spent"    bson:"lifetime_spent"`
	InitialBalance  int64     `grove:"initial_balance"   bson:"initial_balance"`
	FreeTier        bool      `grove:"free_tier"         bson:"free_tier"`
	NextGrantAt     time.Time `grove:"next_grant_at"     bson:"next_grant_at"`
	LastGrantAmount int64     `grove:"last_grant_amount" bson:"last_grant_amount"`
	LastGrantCycle  string    `grove:"last_grant_cycle"  bson:"last_grant_cycle"`
	Warnings        warnModel `grove:"warnings"          bson:"warnings"`
	LastSeq         int64     `grove:"last_seq"          bson:"last_seq"`
	CreatedAt       time.Time `grove:"created_at"        bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"        bson:"updated_at"`
}

type warnModel struct {
	At25 bool `bson:"at_25"`
	At10 bool `bson:"at_10"`
	At5  bool `bson:"at_5"`
	At0  bool `bson:"at_0"`
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
		Warnings: warnModel{
			At25: a.Warnings.At25,
			At10: a.Warnings.At10,
			At5:  a.Warnings.At5,
			At0:  a.Warnings.At0,
		},
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
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
		NextGrantAt:     m.NextGrantAt.UTC(),
		LastGrantAmount: m.LastGrantAmount,
		LastGrantCycle:  m.LastGrantCycle,
		Warnings: account.WarningFlags{
			At25: m.Warnings.At25,
			At10: m.Warnings.At10,
			At5:  m.Warnings.At5,
			At0:  m.Warnings.At0,
		},
	}
}

// ==================== Transaction models ====================

type transactionModel struct {
	grove.BaseModel `grove:"table:credit_transactions"`

	ID           string            `grove:"id,pk"         bson:"_id"`
	TenantID     string            `grove:"tenant_id"     bson:"tenant_id"`
	Seq          int64             `grove:"seq"           bson:"seq"`
	Amount       int64             `grove:"amount"        bson:"amount"`
	BalanceAfter int64             `grove:"balance_after" bson:"balance_after"`
	Kind         string            `grove:"kind"          bson:"kind"`
	ActionKey    string            `grove:"action_key"    bson:"action_key,omitempty"`
	RefID        string            `grove:"ref_id"        bson:"ref_id,omitempty"`
	RefType      string            `grove:"ref_type"      bson:"ref_type,omitempty"`
	Description  string            `grove:"description"   bson:"description,omitempty"`
	Metadata     map[string]string `grove:"metadata"      bson:"metadata,omitempty"`
	CreatedAt    time.Time         `grove:"created_at"    bson:"created_at"`
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
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
		Metadata:     t.Metadata,
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
		CreatedAt:    m.CreatedAt.UTC(),
	}, nil
}

// ==================== Grant models ====================

type grantModel struct {
	grove.BaseModel `grove:"table:credit_grants"`

	ID          string            `grove:"id,pk"       bson:"_id"`
	TenantID    string            `grove:"tenant_id"   bson:"tenant_id"`
	Amount      int64             `grove:"amount"      bson:"amount"`
	Type        string            `grove:"type"        bson:"type"`
	Code        string            `grove:"code"        bson:"code,omitempty"`
	Description string            `grove:"description" bson:"description,omitempty"`
	OneTime     bool              `grove:"one_time"    bson:"one_time"`
	ExpiresAt   *time.Time        `grove:"expires_at"  bson:"expires_at,omitempty"`
	RedeemedAt  *time.Time        `grove:"redeemed_at" bson:"redeemed_at"`
	Metadata    map[string]string `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time         `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"  bson:"updated_at"`
}

func toGrantModel(g *grant.Grant) *grantModel {
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
		Metadata:    g.Metadata,
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
