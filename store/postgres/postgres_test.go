package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/ducc/signup-engine/store/postgres"
	"github.com/ducc/signup-engine/store/storetest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Set SIGNUP_TEST_POSTGRES_DSN to a disposable database to run these.
// Every test truncates all tables.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("SIGNUP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIGNUP_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) storetest.Backend {
		ctx := context.Background()
		store, err := postgres.New(ctx, dsn, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		require.NoError(t, store.Reset(ctx))
		return store
	})
}
