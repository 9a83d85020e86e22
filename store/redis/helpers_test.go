package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/store/redis"
)

func openAccount(t *testing.T, s *redis.Store, tenantID string) {
	t.Helper()
	_, err := s.EnsureAccount(context.Background(), account.New(tenantID, account.Defaults{
		StartingBalance: 100,
		FreeTier:        true,
		GrantInterval:   time.Hour,
	}, time.Now()))
	require.NoError(t, err)
}
