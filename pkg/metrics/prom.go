package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Label values shared by the collectors below.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"

	ScopeTable = "table"
	ScopeAll   = "all"
	ScopeReset = "reset"

	StatementSelect = "select"
	StatementInsert = "insert"
)

var (
	SchemaRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_schema_refresh_total",
			Help: "Total number of schema cache rebuilds by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	CachedTables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgrest_schema_cached_tables",
			Help: "Number of table snapshots currently held by the schema cache",
		},
	)

	CompileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_compile_errors_total",
			Help: "Total number of requests rejected by the query compiler by error kind",
		},
		[]string{"kind"},
	)

	Statements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrest_statements_total",
			Help: "Total number of executed statements by type and outcome",
		},
		[]string{"statement", "outcome"},
	)

	StatementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgrest_statement_duration_seconds",
			Help:    "Duration of statement execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"statement"},
	)
)

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// ObserveStatement records one executed statement.
func ObserveStatement(statement string, start time.Time, err error) {
	Statements.WithLabelValues(statement, Outcome(err)).Inc()
	StatementDuration.WithLabelValues(statement).Observe(time.Since(start).Seconds())
}

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("addr", effectiveOpts.Addr))

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)

	go func() {
		defer wg.Done()
		logger.Info("starting metrics server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
