package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const defaultRedisRetries = 64

type RedisConfig struct {
	InMemory     bool          `mapstructure:"in_memory"`
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

func (c RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

var (
	inMemoryRedisMu     sync.Mutex
	inMemoryRedisServer *miniredis.Miniredis
)

// NewRedisClient connects to cfg.Addr, or to a process-local miniredis when
// cfg.InMemory is set.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	options := cfg.Options()
	if cfg.InMemory {
		inMemoryRedisMu.Lock()
		defer inMemoryRedisMu.Unlock()
		if inMemoryRedisServer == nil {
			server, err := miniredis.Run()
			if err != nil {
				return nil, err
			}
			inMemoryRedisServer = server
		}
		options.Addr = inMemoryRedisServer.Addr()
	}
	return redis.NewClient(options), nil
}

// RedisStore stores each license as a JSON string and each owner's keys in a
// set. Writes WATCH the keys they read and retry when EXEC reports a
// conflicting write. Writers in the same process are queued per key first,
// so only writers in other processes can make a transaction fail.
type RedisStore struct {
	rdb        redis.UniversalClient
	prefix     string
	maxRetries int
	keyLocks   *keyedMutex
	ownerLocks *keyedMutex
}

func NewRedis(rdb redis.UniversalClient, prefix string, maxRetries int) *RedisStore {
	if prefix == "" {
		prefix = "license"
	}
	if maxRetries <= 0 {
		maxRetries = defaultRedisRetries
	}
	return &RedisStore{
		rdb:        rdb,
		prefix:     prefix,
		maxRetries: maxRetries,
		keyLocks:   newKeyedMutex(),
		ownerLocks: newKeyedMutex(),
	}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// licenseKey returns "{prefix}:key:{licenseKey}"
func (s *RedisStore) licenseKey(key string) string {
	return fmt.Sprintf("%s:key:%s", s.prefix, key)
}

// ownerKey returns "{prefix}:owner:{ownerID}"
func (s *RedisStore) ownerKey(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s", s.prefix, ownerID)
}

func (s *RedisStore) Create(ctx context.Context, lic License, ownerLimit int) error {
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	lk, owk := s.licenseKey(lic.Key), s.ownerKey(lic.OwnerID)
	unlock := s.ownerLocks.Lock(lic.OwnerID)
	defer unlock()
	return s.retry(ctx, func() error {
		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, lk).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return ErrKeyExists
			}
			n, err := tx.SCard(ctx, owk).Result()
			if err != nil {
				return err
			}
			if int(n) >= ownerLimit {
				return ErrQuotaExceeded
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, lk, buf, 0)
				pipe.SAdd(ctx, owk, lic.Key)
				return nil
			})
			return err
		}, lk, owk)
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) (License, error) {
	raw, err := s.rdb.Get(ctx, s.licenseKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, err
	}
	return decodeLicense(key, raw)
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]License, error) {
	keys, err := s.rdb.SMembers(ctx, s.ownerKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]License, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.licenseKey(k)
	}
	vals, err := s.rdb.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		lic, err := decodeLicense(keys[i], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, fn MutateFunc) (License, error) {
	lk := s.licenseKey(key)
	unlock := s.keyLocks.Lock(key)
	defer unlock()
	var updated License
	err := s.retry(ctx, func() error {
		return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, lk).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			lic, err := decodeLicense(key, raw)
			if err != nil {
				return err
			}
			if err := fn(&lic); err != nil {
				return err
			}
			buf, err := json.Marshal(lic)
			if err != nil {
				return err
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, lk, buf, 0)
				return nil
			}); err != nil {
				return err
			}
			updated = lic
			return nil
		}, lk)
	})
	if err != nil {
		return License{}, err
	}
	return updated, nil
}

func (s *RedisStore) retry(ctx context.Context, op func() error) error {
	for i := 0; i < s.maxRetries; i++ {
		err := op()
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(i)):
		}
	}
	return ErrConflict
}

// retryBackoff grows linearly to 10ms with jitter so competing processes
// stop colliding in lockstep.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 500 * time.Microsecond
	if d > 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}
