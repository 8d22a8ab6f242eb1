package database

import (
	"context"
	"fmt"
	"time"

	"geochat_backend/internal/config"
	"geochat_backend/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitPgPool opens the pgx pool used for LISTEN/NOTIFY. Each live
// subscription holds one connection for its lifetime, so MaxConns bounds
// the number of concurrent subscriptions.
func InitPgPool(ctx context.Context, cfg *config.DatabaseConfig, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pcfg.MaxConnLifetime = 60 * time.Minute
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Log.Info("Postgres listen pool established")
	return pool, nil
}
