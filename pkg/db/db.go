// pkg/db/db.go
package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attager/pkg/config"
)

const connectTimeout = 10 * time.Second

// MustConnect opens the identity database. It returns nil when DATABASE_URL
// is unset so callers can fall back to the in-memory provider.
func MustConnect(cfg config.Config, log *zap.SugaredLogger) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("pg connect", "err", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalw("pg ping", "err", err)
	}
	log.Infow("postgres ready", "host", RedactDSN(cfg.DatabaseURL))
	return pool
}

// MustRedis connects the policy store, rate counters and audit list. It
// returns nil when REDIS_URL is unset.
func MustRedis(cfg config.Config, log *zap.SugaredLogger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalw("redis parse", "err", err)
	}
	cli := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		log.Fatalw("redis ping", "err", err)
	}
	log.Infow("redis ready", "addr", opts.Addr)
	return cli
}

// RedactDSN hides credentials in a connection string.
func RedactDSN(dsn string) string {
	if i := strings.LastIndex(dsn, "@"); i > 0 {
		scheme := ""
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			scheme = dsn[:j+3]
		}
		return scheme + "***@" + dsn[i+1:]
	}
	return dsn
}
