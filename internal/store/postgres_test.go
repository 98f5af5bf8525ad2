package store_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/store/storetest"
)

// TestPostgres runs against a real database when THREADSYNC_TEST_POSTGRES_DSN is set. Each
// subtest gets its own schema.
func TestPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("THREADSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("THREADSYNC_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Remote {
		ctx := context.Background()
		schema := "ts_" + strings.ReplaceAll(uuid.NewString(), "-", "")

		admin, err := store.OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, admin.Exec(ctx, "CREATE SCHEMA "+schema))
		t.Cleanup(func() {
			_ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
			_ = admin.Close()
		})

		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		s, err := store.OpenPostgres(ctx, dsn+sep+"search_path="+schema)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
