package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/grant"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Timestamps are stored as Unix microseconds so range filters compare as
// integers; metadata is stored as JSON text.

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	TenantID        string `grove:"tenant_id,pk"`
	Balance         int64  `grove:"balance"`
	LifetimeEarned  int64  `grove:"lifetime_earned"`
	LifetimeSpent   int64  `grove:"lifetime_spent"`
	InitialBalance  int64  `grove:"initial_balance"`
	FreeTier        bool   `grove:"free_tier"`
	NextGrantAt     int64  `grove:"next_grant_at"`
	LastGrantAmount int64  `grove:"last_grant_amount"`
	LastGrantCycle  string `grove:"last_grant_cycle"`
	Warned25        bool   `grove:"warned_25"`
	Warned10        bool   `grove:"warned_10"`
	Warned5         bool   `grove:"warned_5"`
	Warned0         bool   `grove:"warned_0"`
	LastSeq         int64  `grove:"last_seq"`
	CreatedAt       int64  `grove:"created_at"`
	UpdatedAt       int64  `grove:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		TenantID:        a.TenantID,
		Balance:         a.Balance,
		LifetimeEarned:  a.LifetimeEarned,
		LifetimeSpent:   a.LifetimeSpent,
		InitialBalance:  a.InitialBalance,
		FreeTier:        a.FreeTier,
		NextGrantAt:     toMicros(a.NextGrantAt),
		LastGrantAmount: a.LastGrantAmount,
		LastGrantCycle:  a.LastGrantCycle,
		Warned25:        a.Warnings.At25,
		Warned10:        a.Warnings.At10,
		Warned5:         a.Warnings.At5,
		Warned0:         a.Warnings.At0,
		CreatedAt:       toMicros(a.CreatedAt),
		UpdatedAt:       toMicros(a.UpdatedAt),
	}
}

func fromAccountModel(m *accountModel) *account.Account {
	return &account.Account{
		Entity: types.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
		},
		TenantID:        m.TenantID,
		Balance:         m.Balance,
		LifetimeEarned:  m.LifetimeEarned,
		LifetimeSpent:   m.LifetimeSpent,
		InitialBalance:  m.InitialBalance,
		FreeTier:        m.FreeTier,
		NextGrantAt:     fromMicros(m.NextGrantAt),
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

	ID           string `grove:"id,pk"`
	TenantID     string `grove:"tenant_id"`
	Seq          int64  `grove:"seq"`
	Amount       int64  `grove:"amount"`
	BalanceAfter int64  `grove:"balance_after"`
	Kind         string `grove:"kind"`
	ActionKey    string `grove:"action_key"`
	RefID        string `grove:"ref_id"`
	RefType      string `grove:"ref_type"`
	Description  string `grove:"description"`
	Metadata     string `grove:"metadata"`
	CreatedAt    int64  `grove:"created_at"`
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
		Metadata:     encodeMetadata(t.Metadata),
		CreatedAt:    toMicros(t.CreatedAt),
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
		Metadata:     decodeMetadata(m.Metadata),
		CreatedAt:    fromMicros(m.CreatedAt),
	}, nil
}

// ==================== Grant models ====================

type grantModel struct {
	grove.BaseModel `grove:"table:credit_grants"`

	ID          string `grove:"id,pk"`
	TenantID    string `grove:"tenant_id"`
	Amount      int64  `grove:"amount"`
	Type        string `grove:"type"`
	Code        string `grove:"code"`
	Description string `grove:"description"`
	OneTime     bool   `grove:"one_time"`
	ExpiresAt   *int64 `grove:"expires_at"`
	RedeemedAt  *int64 `grove:"redeemed_at"`
	Metadata    string `grove:"metadata"`
	CreatedAt   int64  `grove:"created_at"`
	UpdatedAt   int64  `grove:"updated_at"`
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
		ExpiresAt:   toMicrosPtr(g.ExpiresAt),
		RedeemedAt:  toMicrosPtr(g.RedeemedAt),
		Metadata:    encodeMetadata(g.Metadata),
		CreatedAt:   toMicros(g.CreatedAt),
		UpdatedAt:   toMicros(g.UpdatedAt),
	}
}

func fromGrantModel(m *grantModel) (*grant.Grant, error) {
	grantID, err := id.ParseGrantID(m.ID)
	if err != nil {
		return nil, err
	}
	return &grant.Grant{
		Entity: types.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
		},
		ID:          grantID,
		TenantID:    m.TenantID,
		Amount:      m.Amount,
		Type:        grant.Type(m.Type),
		Code:        m.Code,
		Description: m.Description,
		OneTime:     m.OneTime,
		ExpiresAt:   fromMicrosPtr(m.ExpiresAt),
		RedeemedAt:  fromMicrosPtr(m.RedeemedAt),
		Metadata:    decodeMetadata(m.Metadata),
	}, nil
}

// ==================== Conversions ====================

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func toMicrosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	us := toMicros(*t)
	return &us
}

func fromMicrosPtr(us *int64) *time.Time {
	if us == nil {
		return nil
	}
	t := fromMicros(*us)
	return &t
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m) //nolint:errcheck // map[string]string always marshals
	return string(b)
}

func decodeMetadata(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(s), &m) //nolint:errcheck // best-effort
	return m
}
