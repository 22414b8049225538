package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// profileAppName tags the host's connections in pg_stat_activity.
const profileAppName = "kbsession"

// openProfilePool connects the pool used only by the profile upsert. The
// profiles table belongs to the backend; nothing here migrates it.
func openProfilePool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := profilePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect profile database: %w", err)
	}
	if err := pingPool(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping profile database: %w", err)
	}
	return pool, nil
}

// profilePoolConfig parses KB_DATABASE_URL and applies the pool limits.
// A zero KB_DB_MAX_CONNS means one connection.
func profilePoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse KB_DATABASE_URL: %w", err)
	}

	pcfg.MaxConns = 1
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = profileAppName
	}
	return pcfg, nil
}

// pingPool reports whether a connection can be acquired within timeout.
func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
