// Package schema caches per table catalog metadata (columns, keys, statistics) used to
// validate and compile REST queries.
//
// Snapshots are immutable. Readers load the current map with a single atomic read and
// never block; a refresh builds new snapshots off to the side and installs them with a
// compare-and-swap, so a reader sees either the old or the new snapshot of a table,
// never a mix. Concurrent refreshes of the same table collapse into one catalog query.
package schema

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const refreshAllKey = "\x00all"

type snapshot map[string]*TableStats

type Cache struct {
	introspector Introspector
	logger       *zap.Logger
	enabled      bool
	newBackOff   func() backoff.BackOff
	parallelism  int
	loadTimeout  time.Duration

	tables atomic.Pointer[snapshot]
	group  singleflight.Group
}

type Option func(*Cache)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithCaching turns snapshot caching on or off. When off every Get introspects the
// table again and ResetAll fails with errs.KindCacheDisabled. Defaults to on.
func WithCaching(enabled bool) Option {
	return func(c *Cache) { c.enabled = enabled }
}

// WithRetries retries failed catalog queries up to n times with exponential backoff.
func WithRetries(n uint64) Option {
	return func(c *Cache) {
		c.newBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n)
		}
	}
}

// WithBackOff replaces the retry policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Cache) { c.newBackOff = newBackOff }
}

// WithParallelism bounds the number of tables introspected at once by RefreshAll.
func WithParallelism(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithLoadTimeout bounds a load shared by concurrent callers. The load outlives any
// single caller, so it cannot borrow a caller's deadline. Defaults to 30s.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// NewCache returns an empty cache. Tables are loaded lazily by Get or eagerly by
// RefreshAll.
func NewCache(introspector Introspector, opts ...Option) *Cache {
	c := &Cache{
		introspector: introspector,
		logger:       zap.NewNop(),
		enabled:      true,
		parallelism:  4,
		loadTimeout:  30 * time.Second,
	}
	WithRetries(3)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.tables.Store(&snapshot{})
	return c
}

// Enabled reports whether snapshots are cached.
func (c *Cache) Enabled() bool { return c.enabled }

// Get returns the snapshot of table, loading it on first use.
func (c *Cache) Get(ctx context.Context, table string) (*TableStats, error) {
	if c.enabled {
		if t, ok := (*c.tables.Load())[table]; ok {
			return t, nil
		}
	}
	return c.Refresh(ctx, table)
}

// Refresh introspects table and installs the new snapshot. A table that no longer exists
// is evicted.
func (c *Cache) Refresh(ctx context.Context, table string) (*TableStats, error) {
	v, err, shared := c.do(ctx, table, func(ctx context.Context) (any, error) {
		t, err := c.inspect(ctx, table)
		metrics.SchemaRefreshes.WithLabelValues(metrics.ScopeTable, metrics.Outcome(err)).Inc()
		if err != nil {
			if errs.IsUnknownTable(err) && c.enabled {
				c.update(func(s snapshot) { delete(s, table) })
			}
			return nil, err
		}
		if c.enabled {
			c.update(func(s snapshot) { s[table] = t })
		}
		return t, nil
	})
	if shared {
		c.logger.Debug("joined in-flight table refresh", zap.String("table", table))
	}
	if err != nil {
		return nil, err
	}
	return v.(*TableStats), nil
}

// RefreshAll introspects every table of the schema and installs the resulting set in one
// swap. On failure the current snapshots are kept.
func (c *Cache) RefreshAll(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	_, err, _ := c.do(ctx, refreshAllKey, func(ctx context.Context) (any, error) {
		start := time.Now()
		next, err := c.loadAll(ctx)
		metrics.SchemaRefreshes.WithLabelValues(metrics.ScopeAll, metrics.Outcome(err)).Inc()
		if err != nil {
			c.logger.Error("schema refresh failed", zap.Error(err))
			return nil, err
		}
		c.tables.Store(&next)
		metrics.CachedTables.Set(float64(len(next)))
		c.logger.Info("schema refreshed",
			zap.Int("tables", len(next)),
			zap.Duration("took", time.Since(start)))
		return nil, nil
	})
	return err
}

// do runs fn once for all concurrent callers of key. fn gets a context detached from the
// caller that started it and bounded by loadTimeout, so one cancelled request cannot fail
// the callers that joined it. Each caller still stops waiting when its own ctx ends.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error, bool) {
	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return fn(lctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindSchemaIntrospection, errs.CodeIntrospection, "wait for schema load", ctx.Err()), false
	}
}

// ResetAll drops every snapshot. Subsequent lookups repopulate lazily.
func (c *Cache) ResetAll() error {
	if !c.enabled {
		return errs.New(errs.KindCacheDisabled, errs.CodeCacheDisabled,
			"table stats caching is not enabled")
	}
	c.tables.Store(&snapshot{})
	metrics.SchemaRefreshes.WithLabelValues(metrics.ScopeReset, metrics.OutcomeOK).Inc()
	metrics.CachedTables.Set(0)
	c.logger.Info("schema cache reset")
	return nil
}

// Tables lists the tables of the schema from the catalog.
func (c *Cache) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := c.retry(ctx, "list tables", func() (err error) {
		names, err = c.introspector.ListTables(ctx)
		return err
	})
	return names, err
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	return len(*c.tables.Load())
}

func (c *Cache) loadAll(ctx context.Context) (snapshot, error) {
	names, err := c.Tables(ctx)
	if err != nil {
		return nil, err
	}

	loaded := make([]*TableStats, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, name := range names {
		g.Go(func() error {
			t, err := c.inspect(gctx, name)
			if errs.IsUnknownTable(err) {
				// dropped since it was listed
				return nil
			}
			loaded[i] = t
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	next := make(snapshot, len(names))
	for _, t := range loaded {
		if t != nil {
			next[t.Name] = t
		}
	}
	return next, nil
}

func (c *Cache) inspect(ctx context.Context, table string) (*TableStats, error) {
	var t *TableStats
	err := c.retry(ctx, "inspect table", func() (err error) {
		t, err = c.introspector.InspectTable(ctx, table)
		return err
	}, zap.String("table", table))
	return t, err
}

func (c *Cache) retry(ctx context.Context, op string, fn func() error, fields ...zap.Field) error {
	operation := func() error {
		err := fn()
		if err != nil && !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	logger := c.logger.With(fields...)
	notify := func(err error, wait time.Duration) {
		logger.Warn(op+" failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
}

// update installs a modified copy of the current snapshot map.
func (c *Cache) update(fn func(snapshot)) {
	for {
		old := c.tables.Load()
		next := make(snapshot, len(*old)+1)
		maps.Copy(next, *old)
		fn(next)
		if c.tables.CompareAndSwap(old, &next) {
			metrics.CachedTables.Set(float64(len(next)))
			return
		}
	}
}
