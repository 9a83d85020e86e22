// Package grant models promotional credit grants: promo codes, referral
// rewards and compensation credits that are issued first and applied to the
// balance on redemption.
package grant

import (
	"time"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type Grant struct {
	types.Entity
	ID          id.GrantID        `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Amount      int64             `json:"amount"`
	Type        Type              `json:"type"`
	Code        string            `json:"code,omitempty"`
	Description string            `json:"description,omitempty"`
	OneTime     bool              `json:"one_time"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	RedeemedAt  *time.Time        `json:"redeemed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Type string

const (
	TypePromo        Type = "promo"
	TypeReferral     Type = "referral"
	TypeCompensation Type = "compensation"
)

// Valid reports whether t is a known grant type.
func (t Type) Valid() bool {
	switch t {
	case TypePromo, TypeReferral, TypeCompensation:
		return true
	}
	return false
}

// Expired reports whether the grant can no longer be redeemed at now.
func (g *Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Redeemed reports whether a one-time grant has been consumed.
func (g *Grant) Redeemed() bool {
	return g.RedeemedAt != nil
}
