package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pool represents a connection pool configuration.
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	ConnString string          // Used if Config is nil
	// MaxRetries bounds the connection attempts made by Connect. Zero means a single attempt.
	MaxRetries uint64
	// MaxInterval caps the wait between two attempts. Defaults to 5s.
	MaxInterval time.Duration
}

var ErrNoConnConfig = errors.New("either Config or ConnString must be provided")

// Connect creates a pool and verifies it with a ping, retrying with exponential backoff
// while the server is unreachable. Configuration errors are not retried.
func Connect(ctx context.Context, cfg Pool, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig := cfg.Config
	if poolConfig == nil {
		if cfg.ConnString == "" {
			return nil, ErrNoConnConfig
		}
		var err error
		if poolConfig, err = pgxpool.ParseConfig(cfg.ConnString); err != nil {
			return nil, fmt.Errorf("pgx: parse config: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	if cfg.MaxInterval > 0 {
		bo.MaxInterval = cfg.MaxInterval
	}

	attempt := 0
	operation := func() (*pgxpool.Pool, error) {
		attempt++
		pool, err := createPool(ctx, poolConfig)
		if err != nil {
			logger.Warn("database not ready",
				zap.Int("attempt", attempt),
				zap.String("host", poolConfig.ConnConfig.Host),
				zap.Error(err))
			return nil, err
		}
		return pool, nil
	}

	pool, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("pgx: %w", err)
	}

	logger.Info("connected to database",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database))
	return pool, nil
}

func createPool(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}

	return pool, nil
}
