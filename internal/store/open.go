package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// Driver is one of memory, bbolt, redis or sql.
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
	Redis   RedisConfig   `mapstructure:"redis"`
	SQL     SQLConfig     `mapstructure:"sql"`
}

// Open builds the store selected by cfg.Driver.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("driver", cfg.Driver))
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	switch cfg.Driver {
	case "memory", "":
		log.Info("[Store] using in-memory store")
		return NewMemory(), nil
	case "bbolt":
		st, err := OpenBBolt(cfg.Path, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("open bbolt %s: %w", cfg.Path, err)
		}
		log.Info("[Store] opened bbolt", zap.String("path", cfg.Path))
		return st, nil
	case "redis":
		rdb, err := NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("[Store] connected to redis", zap.String("addr", rdb.Options().Addr), zap.Bool("in_memory", cfg.Redis.InMemory))
		return NewRedis(rdb, cfg.Redis.KeyPrefix, cfg.Redis.MaxRetries), nil
	case "sql":
		st, err := OpenGorm(cfg.SQL, log)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		log.Info("[Store] database ready", zap.String("dialect", cfg.SQL.Dialect))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
