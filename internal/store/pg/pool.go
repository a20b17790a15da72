package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/config"
)

// Open builds a pool from the shared DB settings and pings it once.
func Open(ctx context.Context, c config.Common) (*pgxpool.Pool, error) {
	pc, err := PoolConfig(c)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func PoolConfig(c config.Common) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.DBDSN)
	if err != nil {
		return nil, err
	}

	if c.DBPoolMaxConns > 0 {
		cfg.MaxConns = c.DBPoolMaxConns
	}
	if c.DBPoolMinConns >= 0 {
		cfg.MinConns = c.DBPoolMinConns
	}

	durations := []struct {
		env string
		raw string
		dst *time.Duration
	}{
		{"DB_POOL_MAX_CONN_LIFETIME", c.DBPoolMaxConnLifetime, &cfg.MaxConnLifetime},
		{"DB_POOL_MAX_CONN_IDLE_TIME", c.DBPoolMaxConnIdleTime, &cfg.MaxConnIdleTime},
		{"DB_POOL_HEALTH_CHECK_PERIOD", c.DBPoolHealthCheckPeriod, &cfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = v
	}
	return cfg, nil
}
