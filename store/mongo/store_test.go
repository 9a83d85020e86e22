package mongo_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/storetest"
)

// Set CREDITS_TEST_MONGO_URI to run against a replica set, e.g.
// mongodb://localhost:27017/credits_test?replicaSet=rs0
func TestConformance(t *testing.T) {
	uri := os.Getenv("CREDITS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CREDITS_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		drv := mongodriver.New()
		require.NoError(t, drv.Open(ctx, uri))
		db, err := grove.Open(drv)
		require.NoError(t, err)

		s := mongo.New(db)
		require.NoError(t, s.Migrate(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
