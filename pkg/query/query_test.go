package query

import (
	"context"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrest/internal/testutil/schematest"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/stretchr/testify/require"
)

// newTables returns a schema cache over every fixture table.
func newTables(t *testing.T) *schema.Cache {
	t.Helper()
	return schema.NewCache(schematest.New(schematest.All()...),
		schema.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
}

func mustGet(t *testing.T, tables TableLookup, name string) *schema.TableStats {
	t.Helper()
	ts, err := tables.Get(context.Background(), name)
	require.NoError(t, err)
	return ts
}

func ptr(s string) *string { return &s }
