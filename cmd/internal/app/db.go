package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat/pgstore"
)

const (
	dbApplicationName  = "langmate"
	dbConnectTimeout   = 5 * time.Second
	dbReadyTimeout     = 2 * time.Second
	dbHealthCheckEvery = 30 * time.Second
)

// dbPoolConfig maps the LANGMATE_DB_* settings onto a pgxpool config.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("LANGMATE_DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = max(cfg.DBMinConns, 0)
	pcfg.HealthCheckPeriod = dbHealthCheckEvery

	rp := pcfg.ConnConfig.RuntimeParams
	if rp["application_name"] == "" {
		rp["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// openChatDB dials Postgres and, when LANGMATE_DB_MIGRATE is set, installs the
// chat schema before the stores are built on top of the pool.
func openChatDB(ctx context.Context, cfg Config, log Logger, opts ...pgstore.Option) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pingDB(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBMigrate {
		if err := pgstore.Migrate(ctx, pool, opts...); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.migrate.ok", "schema", cfg.DBSchema)
	}
	return pool, nil
}

// pingDB checks that a connection can be acquired within timeout.
func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
