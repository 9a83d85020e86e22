package grant

import (
	"context"
	"time"

	"github.com/xraph/credits/id"
)

type Store interface {
	CreateGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, grantID id.GrantID) (*Grant, error)
	ListGrants(ctx context.Context, tenantID string, opts ListOpts) ([]*Grant, error)
	// MarkGrantRedeemed atomically sets RedeemedAt on a one-time grant that
	// has not been redeemed yet. It returns ErrGrantRedeemed otherwise.
	MarkGrantRedeemed(ctx context.Context, grantID id.GrantID, at time.Time) error
	// ClearGrantRedeemed reverts MarkGrantRedeemed when the credit could not
	// be applied.
	ClearGrantRedeemed(ctx context.Context, grantID id.GrantID) error
}

type ListOpts struct {
	Type       Type
	Redeemable bool
	Limit      int
	Offset     int
}
