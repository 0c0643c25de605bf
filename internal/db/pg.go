// Package db opens the pgxpool connection pool the Revision Store runs on.
package db

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolConfig tunes the connection pool. Zero values fall back to
// production-sane defaults via Open.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	return c
}

// PoolConfigFromEnv reads POSTGRES_MAX_CONNS / POSTGRES_MIN_CONNS, falling
// back to Open's defaults when unset or unparsable.
func PoolConfigFromEnv(getenv func(string) string) PoolConfig {
	var cfg PoolConfig
	if v, err := strconv.Atoi(getenv("POSTGRES_MAX_CONNS")); err == nil {
		cfg.MaxConns = int32(v)
	}
	if v, err := strconv.Atoi(getenv("POSTGRES_MIN_CONNS")); err == nil {
		cfg.MinConns = int32(v)
	}
	return cfg
}

// Open creates and pings a pgxpool.Pool for the Revision Store.
func Open(ctx context.Context, url string, cfg PoolConfig) (*pgxpool.Pool, error) {
	cfg = cfg.withDefaults()

	parsed, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	parsed.MaxConns = cfg.MaxConns
	parsed.MinConns = cfg.MinConns
	parsed.MaxConnLifetime = cfg.MaxConnLifetime
	parsed.MaxConnIdleTime = cfg.MaxConnIdleTime
	parsed.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", parsed.MaxConns).
		Int32("min_conns", parsed.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}
