package pgrest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrest/pkg/config"
	"github.com/edgeflare/pgrest/pkg/httputil"
	mw "github.com/edgeflare/pgrest/pkg/httputil/middleware"
	"github.com/edgeflare/pgrest/pkg/metrics"
	pg "github.com/edgeflare/pgrest/pkg/pgx"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/edgeflare/pgrest/pkg/rest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Starts a REST API server that provides access to the tables of one PostgreSQL schema through HTTP endpoints`,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("rest.pg.connString", "c", "", "PostgreSQL connection string")
	f.StringP("rest.listenAddr", "l", ":8080", "REST server listen address")
	f.String("rest.baseURL", "", "Base URL for API endpoints")
	f.String("rest.schema", "public", "PostgreSQL schema whose tables are exposed")
	f.Bool("cache.enabled", true, "Cache table metadata between requests")
	f.Duration("cache.refreshInterval", 0, "Rebuild the table metadata cache at this interval (0 disables)")
	f.String("cache.notifyChannel", "", "Reload the table metadata cache on NOTIFY <channel>, 'reload schema'")
	f.Int("cache.parallelism", 4, "Tables introspected at once by a full cache refresh")
	f.Duration("cache.loadTimeout", 30*time.Second, "Upper bound for a table metadata load shared by concurrent requests")
	f.Uint64("query.maxLimit", 10000, "Default and maximum number of rows returned by a read")
	f.Bool("metrics.enabled", false, "Serve Prometheus metrics")
	f.String("metrics.addr", ":9100", "Prometheus metrics listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	v := config.New(cfgFile)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("using config file", zap.String("path", used))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, pg.Pool{ConnString: cfg.REST.PG.ConnString, MaxRetries: cfg.REST.PG.ConnectRetries}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	cache := schema.NewCache(
		schema.NewPgIntrospector(pool, cfg.REST.Schema),
		schema.WithLogger(logger.Named("schema")),
		schema.WithCaching(cfg.Cache.Enabled),
		schema.WithRetries(cfg.Cache.IntrospectRetries),
		schema.WithParallelism(cfg.Cache.Parallelism),
		schema.WithLoadTimeout(cfg.Cache.LoadTimeout),
	)
	if err := cache.RefreshAll(ctx); err != nil {
		// tables load lazily on first use
		logger.Warn("initial schema load failed", zap.Error(err))
	}

	server := rest.NewServer(pool, cache,
		rest.WithLogger(logger),
		rest.WithBaseURL(cfg.REST.BaseURL),
		rest.WithMaxLimit(cfg.Query.MaxLimit),
		rest.WithMaxBodyBytes(cfg.REST.MaxBodyBytes),
	)

	router := httputil.NewRouter(
		httputil.WithLogger(logger),
		httputil.WithServerOptions(func(s *http.Server) { s.ReadHeaderTimeout = 5 * time.Second }),
	)
	router.Use(mw.RequestID)
	if len(cfg.REST.CORSOrigins) > 0 {
		router.Use(mw.CORSWithOptions(&mw.CORSOptions{
			AllowedOrigins: cfg.REST.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", mw.RequestIDHeader},
			MaxAge:         600,
		}))
	}
	if logLevel != "none" {
		router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}
	server.Register(router)

	var metricsWG sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &metricsWG, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := router.ListenAndServe(cfg.REST.ListenAddr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return router.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		schema.Schedule{Interval: cfg.Cache.RefreshInterval}.Run(gctx, cache.RefreshAll, logger)
		return nil
	})
	if cfg.Cache.NotifyChannel != "" && cache.Enabled() {
		g.Go(func() error {
			listen(gctx, pool, cfg.Cache.NotifyChannel, cache, logger)
			return nil
		})
	}

	err = g.Wait()
	stop()
	metricsWG.Wait()
	if err != nil {
		return err
	}
	logger.Info("server gracefully stopped")
	return nil
}

// listen keeps a schema reload listener running on a dedicated pool connection,
// reconnecting with backoff until ctx is done.
func listen(ctx context.Context, pool *pgxpool.Pool, channel string, cache *schema.Cache, logger *zap.Logger) {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx)
	_ = backoff.RetryNotify(func() error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		defer conn.Release()
		if err := schema.Listen(ctx, conn.Conn(), channel, cache); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return nil
	}, bo, func(err error, next time.Duration) {
		logger.Warn("schema listener failed, reconnecting", zap.Error(err), zap.Duration("retry_in", next))
	})
}
