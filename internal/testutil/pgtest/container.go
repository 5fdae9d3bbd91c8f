//go:build integration

package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Image is the server image started by Start.
const Image = "postgres:16-alpine"

// Start returns a connection string for an empty database. It uses TEST_DATABASE when
// set and otherwise starts a disposable container that is terminated with the test.
// The connection string is also exported as TEST_DATABASE for helpers such as Connect.
func Start(ctx context.Context, t *testing.T) string {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if dsn := os.Getenv("TEST_DATABASE"); dsn != "" {
		return dsn
	}

	container, err := postgres.Run(ctx, Image,
		postgres.WithDatabase("pgrest"),
		postgres.WithUsername("pgrest"),
		postgres.WithPassword("pgrest"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Setenv("TEST_DATABASE", dsn)
	return dsn
}
