package schema_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrest/internal/testutil/schematest"
	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func newCache(in schema.Introspector, opts ...schema.Option) *schema.Cache {
	return schema.NewCache(in, append([]schema.Option{schema.WithBackOff(noWait)}, opts...)...)
}

func TestCacheGet(t *testing.T) {
	ctx := context.Background()

	t.Run("loads lazily and caches", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)
		assert.Equal(t, 0, c.Len())

		first, err := c.Get(ctx, "child")
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, first.PrimaryKey)

		second, err := c.Get(ctx, "child")
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, 1, in.Calls("child"))
		assert.Equal(t, 1, c.Len())
	})

	t.Run("unknown table is not retried", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)

		_, err := c.Get(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errs.IsUnknownTable(err))
		assert.Equal(t, 1, in.Calls("nope"))
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		in := schematest.New(schematest.Family()...)
		in.Transient = 2
		c := newCache(in, schema.WithLogger(zap.New(core)))

		stats, err := c.Get(ctx, "adult")
		require.NoError(t, err)
		assert.Equal(t, "adult", stats.Name)
		assert.Equal(t, 3, in.Calls("adult"))
		assert.Equal(t, 2, logs.FilterMessage("inspect table failed, retrying").Len())
	})

	t.Run("retries are bounded", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		in.Transient = 10
		c := newCache(in)

		_, err := c.Get(ctx, "adult")
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
		assert.Equal(t, 3, in.Calls("adult"))
	})

	t.Run("caching disabled introspects every time", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in, schema.WithCaching(false))

		for range 3 {
			_, err := c.Get(ctx, "company")
			require.NoError(t, err)
		}
		assert.Equal(t, 3, in.Calls("company"))
		assert.Equal(t, 0, c.Len())
	})
}

func TestCacheRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("installs a new snapshot", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)

		old, err := c.Get(ctx, "company")
		require.NoError(t, err)

		changed := schematest.Table("company", []string{"id"}, nil, nil,
			schematest.Col("id", "integer", "int4", schematest.Serial),
			schematest.Col("name", "text", "text"),
			schematest.Col("founded", "date", "date"),
		)
		in.Put(changed)

		_, err = c.Refresh(ctx, "company")
		require.NoError(t, err)

		current, err := c.Get(ctx, "company")
		require.NoError(t, err)
		assert.Len(t, current.Columns, 3)
		assert.Len(t, old.Columns, 2, "snapshot handed out earlier must not change")
	})

	t.Run("dropped table is evicted", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)

		_, err := c.Get(ctx, "company")
		require.NoError(t, err)
		in.Drop("company")

		_, err = c.Refresh(ctx, "company")
		assert.True(t, errs.IsUnknownTable(err))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("concurrent loads collapse", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		in.Block = make(chan struct{})
		c := newCache(in)

		const n = 8
		var wg sync.WaitGroup
		results := make([]*schema.TableStats, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], _ = c.Get(ctx, "child")
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(in.Block)
		wg.Wait()

		assert.Equal(t, 1, in.Calls("child"))
		for _, r := range results {
			assert.Same(t, results[0], r)
		}
	})

	t.Run("a cancelled caller does not fail the callers that joined it", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		in.Block = make(chan struct{})
		c := newCache(in)

		first, cancel := context.WithCancel(ctx)
		firstErr := make(chan error, 1)
		go func() {
			_, err := c.Get(first, "child")
			firstErr <- err
		}()
		time.Sleep(20 * time.Millisecond)

		joined := make(chan error, 1)
		go func() {
			_, err := c.Get(ctx, "child")
			joined <- err
		}()
		time.Sleep(20 * time.Millisecond)

		cancel()
		err := <-firstErr
		assert.ErrorIs(t, err, context.Canceled)

		close(in.Block)
		require.NoError(t, <-joined)
		assert.Equal(t, 1, in.Calls("child"))
		assert.Equal(t, 1, c.Len())
	})

	t.Run("shared loads are bounded", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		in.Block = make(chan struct{})
		defer close(in.Block)
		c := newCache(in, schema.WithLoadTimeout(20*time.Millisecond))

		_, err := c.Get(ctx, "child")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("readers see whole snapshots during refresh", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)
		require.NoError(t, c.RefreshAll(ctx))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_ = c.RefreshAll(ctx)
			}
		}()

		for range 200 {
			stats, err := c.Get(ctx, "child")
			require.NoError(t, err)
			require.Len(t, stats.Columns, 3)
			require.Len(t, stats.ForeignKeys, 1)
		}
		cancel()
		wg.Wait()
	})
}

func TestCacheRefreshAll(t *testing.T) {
	ctx := context.Background()

	t.Run("loads every table", func(t *testing.T) {
		in := schematest.New(schematest.All()...)
		c := newCache(in)
		require.NoError(t, c.RefreshAll(ctx))
		assert.Equal(t, len(schematest.All()), c.Len())

		_, err := c.Get(ctx, "node_b")
		require.NoError(t, err)
		assert.Equal(t, 1, in.Calls("node_b"))
	})

	t.Run("parallelism bounds concurrent inspections", func(t *testing.T) {
		for _, n := range []int{1, 3} {
			in := &concurrent{Introspector: schematest.New(schematest.All()...)}
			c := newCache(in, schema.WithParallelism(n))
			require.NoError(t, c.RefreshAll(ctx))
			assert.Equal(t, len(schematest.All()), c.Len())
			assert.LessOrEqual(t, int(in.max.Load()), n)
		}
	})

	t.Run("failure keeps the current snapshots", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)
		require.NoError(t, c.RefreshAll(ctx))

		in.Err = errs.Wrap(errs.KindSchemaIntrospection, errs.CodeIntrospection, "catalog", errors.New("eof"))
		require.Error(t, c.RefreshAll(ctx))
		assert.Equal(t, 3, c.Len())
	})

	t.Run("no-op when caching is disabled", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in, schema.WithCaching(false))
		require.NoError(t, c.RefreshAll(ctx))
		assert.Equal(t, 0, in.Calls("child"))
	})
}

// concurrent records the peak number of InspectTable calls in flight.
type concurrent struct {
	schema.Introspector
	cur, max atomic.Int32
}

func (c *concurrent) InspectTable(ctx context.Context, table string) (*schema.TableStats, error) {
	n := c.cur.Add(1)
	defer c.cur.Add(-1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.Introspector.InspectTable(ctx, table)
}

func TestCacheResetAll(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup after reset reproduces the snapshot", func(t *testing.T) {
		in := schematest.New(schematest.Family()...)
		c := newCache(in)

		before, err := c.Get(ctx, "child")
		require.NoError(t, err)

		require.NoError(t, c.ResetAll())
		assert.Equal(t, 0, c.Len())

		after, err := c.Get(ctx, "child")
		require.NoError(t, err)
		assert.NotSame(t, before, after)
		assert.Equal(t, before, after)
		assert.Equal(t, 2, in.Calls("child"))
	})

	t.Run("disabled cache rejects reset", func(t *testing.T) {
		c := newCache(schematest.New(), schema.WithCaching(false))
		err := c.ResetAll()
		require.Error(t, err)
		assert.Equal(t, errs.KindCacheDisabled, errs.KindOf(err))
		assert.Equal(t, errs.CodeCacheDisabled, errs.Code(err))
	})
}

func TestCacheTables(t *testing.T) {
	c := newCache(schematest.New(schematest.Family()...))
	names, err := c.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"adult", "child", "company"}, names)
}
