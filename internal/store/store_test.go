package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type storeFactory func(t *testing.T) Store

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestBBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		st, err := OpenBBolt(filepath.Join(t.TempDir(), "data", "licenses.db"), time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		st := NewRedis(rdb, "test", 0)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestGormStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		st, err := OpenGorm(SQLConfig{
			Dialect: "sqlite",
			DSN:     filepath.Join(t.TempDir(), "licenses.sqlite"),
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, nil)
	require.Error(t, err)
}

func TestOpenInMemoryRedis(t *testing.T) {
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{InMemory: true, KeyPrefix: t.Name()}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Create(context.Background(), fixture("MEMREDIS", "owner"), 1))
	got, err := st.Get(context.Background(), "MEMREDIS")
	require.NoError(t, err)
	assert.Equal(t, "owner", got.OwnerID)
}

var fixtureEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixture(key, owner string) License {
	return License{
		Key:            key,
		PluginName:     "Econ",
		BuyerLabel:     "Bob",
		ServerLabel:    "srv1",
		OwnerID:        owner,
		Status:         StatusActive,
		ExpiresAt:      fixtureEpoch.Add(365 * 24 * time.Hour),
		CreatedAt:      fixtureEpoch,
		AllowedServers: []Server{},
		MaxServers:     1,
		Source:         SourceManual,
	}
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		st := newStore(t)
		want := fixture("AAAA-1", "u1")
		require.NoError(t, st.Create(ctx, want, 10))

		got, err := st.Get(ctx, "AAAA-1")
		require.NoError(t, err)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.PluginName, got.PluginName)
		assert.Equal(t, want.OwnerID, got.OwnerID)
		assert.Equal(t, StatusActive, got.Status)
		assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.LastValidatedAt)
		assert.Empty(t, got.AllowedServers)
		assert.NotNil(t, got.AllowedServers)
		assert.Equal(t, 1, got.MaxServers)
	})

	t.Run("GetMissing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(ctx, "NOPE")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Create(ctx, fixture("DUP", "u1"), 10))
		err := st.Create(ctx, fixture("DUP", "u2"), 10)
		assert.ErrorIs(t, err, ErrKeyExists)

		owned, err := st.ListByOwner(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, owned)
	})

	t.Run("QuotaEnforced", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Create(ctx, fixture("Q-1", "u1"), 2))
		require.NoError(t, st.Create(ctx, fixture("Q-2", "u1"), 2))
		assert.ErrorIs(t, st.Create(ctx, fixture("Q-3", "u1"), 2), ErrQuotaExceeded)
		// other owners are unaffected
		require.NoError(t, st.Create(ctx, fixture("Q-4", "u2"), 2))

		owned, err := st.ListByOwner(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, owned, 2)
	})

	t.Run("ListByOwnerNewestFirst", func(t *testing.T) {
		st := newStore(t)
		for i := 0; i < 3; i++ {
			lic := fixture(fmt.Sprintf("L-%d", i), "u1")
			lic.CreatedAt = fixtureEpoch.Add(time.Duration(i) * time.Hour)
			require.NoError(t, st.Create(ctx, lic, 10))
		}
		require.NoError(t, st.Create(ctx, fixture("OTHER", "u2"), 10))

		list, err := st.ListByOwner(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"L-2", "L-1", "L-0"}, []string{list[0].Key, list[1].Key, list[2].Key})

		empty, err := st.ListByOwner(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("UpdatePersists", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Create(ctx, fixture("UPD", "u1"), 10))

		added := fixtureEpoch.Add(time.Minute)
		got, err := st.Update(ctx, "UPD", func(lic *License) error {
			lic.Notes = "hello"
			lic.AllowedServers = append(lic.AllowedServers, Server{IP: "1.2.3.4", Port: 25565, Name: "main", AddedAt: added})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Notes)

		reread, err := st.Get(ctx, "UPD")
		require.NoError(t, err)
		assert.Equal(t, "hello", reread.Notes)
		require.Len(t, reread.AllowedServers, 1)
		assert.Equal(t, "1.2.3.4", reread.AllowedServers[0].IP)
		assert.Equal(t, 25565, reread.AllowedServers[0].Port)
		assert.True(t, added.Equal(reread.AllowedServers[0].AddedAt))
	})

	t.Run("UpdateAbortWritesNothing", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Create(ctx, fixture("ABORT", "u1"), 10))

		boom := errors.New("boom")
		_, err := st.Update(ctx, "ABORT", func(lic *License) error {
			lic.Notes = "changed"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := st.Get(ctx, "ABORT")
		require.NoError(t, err)
		assert.Empty(t, got.Notes)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Update(ctx, "GHOST", func(*License) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentCreatesRespectQuota", func(t *testing.T) {
		st := newStore(t)
		const limit, attempts = 3, 20

		var wg sync.WaitGroup
		errs := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = st.Create(ctx, fixture(fmt.Sprintf("C-%02d", i), "racer"), limit)
			}(i)
		}
		wg.Wait()

		created := 0
		for _, err := range errs {
			if err == nil {
				created++
				continue
			}
			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}
		assert.Equal(t, limit, created)

		owned, err := st.ListByOwner(ctx, "racer")
		require.NoError(t, err)
		assert.Len(t, owned, limit)
	})

	t.Run("ConcurrentUpdatesNotLost", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Create(ctx, fixture("HOT", "u1"), 10))

		const workers = 128
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Update(ctx, "HOT", func(lic *License) error {
					lic.ValidationCount++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := st.Get(ctx, "HOT")
		require.NoError(t, err)
		assert.EqualValues(t, workers, got.ValidationCount)
	})

	t.Run("ConcurrentUpdatesRespectCap", func(t *testing.T) {
		st := newStore(t)
		lic := fixture("CAP", "u1")
		lic.MaxServers = 3
		require.NoError(t, st.Create(ctx, lic, 10))

		errFull := errors.New("full")
		const workers = 40
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = st.Update(ctx, "CAP", func(lic *License) error {
					if len(lic.AllowedServers) >= lic.MaxServers {
						return errFull
					}
					lic.AllowedServers = append(lic.AllowedServers, Server{IP: "10.0.0.1", Port: 1000 + i})
					return nil
				})
			}(i)
		}
		wg.Wait()

		added := 0
		for _, err := range errs {
			if err == nil {
				added++
				continue
			}
			assert.ErrorIs(t, err, errFull)
		}
		assert.Equal(t, 3, added)

		got, err := st.Get(ctx, "CAP")
		require.NoError(t, err)
		assert.Len(t, got.AllowedServers, 3)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, st.Create(ctx, fixture("COPY", "u1"), 1))

	got, err := st.Get(ctx, "COPY")
	require.NoError(t, err)
	got.AllowedServers = append(got.AllowedServers, Server{IP: "x", Port: 1})
	got.Notes = "mutated"

	again, err := st.Get(ctx, "COPY")
	require.NoError(t, err)
	assert.Empty(t, again.AllowedServers)
	assert.Empty(t, again.Notes)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := NewMemory()
	assert.ErrorIs(t, st.Create(ctx, fixture("CTX", "u1"), 1), context.Canceled)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.Lock("a")
	unlock()
	assert.Empty(t, km.locks)
}

func TestMemoryStoreQuotaPerOwnerUnderContention(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	owners := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for _, owner := range owners {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(owner string, i int) {
				defer wg.Done()
				err := st.Create(ctx, fixture(fmt.Sprintf("%s-%02d", owner, i), owner), 3)
				if err != nil {
					assert.ErrorIs(t, err, ErrQuotaExceeded)
				}
			}(owner, i)
		}
	}
	wg.Wait()

	for _, owner := range owners {
		owned, err := st.ListByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, owned, 3, owner)
	}
	assert.Empty(t, st.ownerLocks.locks)
}
