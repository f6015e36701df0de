package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-license-server/internal/store"
)

func TestCreateDefaults(t *testing.T) {
	env := newTestEnv(t)
	lic := env.create(t, "u1", 0)

	assert.Equal(t, NormalizeKey(lic.Key), lic.Key)
	assert.Equal(t, "u1", lic.OwnerID)
	assert.Equal(t, store.StatusActive, lic.Status)
	assert.Equal(t, 1, lic.MaxServers)
	assert.Empty(t, lic.AllowedServers)
	assert.NotNil(t, lic.AllowedServers)
	assert.Zero(t, lic.ValidationCount)
	assert.Nil(t, lic.LastValidatedAt)
	assert.Equal(t, testEpoch, lic.CreatedAt)
	assert.Equal(t, testEpoch.Add(DefaultValidity), lic.ExpiresAt)
	assert.Equal(t, store.SourceManual, lic.Source)

	stored, err := env.store.Get(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, stored.Key)
}

func TestCreateExplicitExpiryAndCap(t *testing.T) {
	env := newTestEnv(t)
	exp := testEpoch.Add(48 * time.Hour)
	lic, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{
		PluginName: " Econ ",
		BuyerLabel: "Bob",
		ExpiresAt:  &exp,
		MaxServers: 3,
		Notes:      "vip",
	})
	require.NoError(t, err)
	assert.Equal(t, "Econ", lic.PluginName)
	assert.Equal(t, exp, lic.ExpiresAt)
	assert.Equal(t, 3, lic.MaxServers)
	assert.Equal(t, "vip", lic.Notes)
}

func TestCreateRequiresPluginAndBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "  "})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = env.svc.Create(ctx, Actor{OwnerID: "u1"}, CreateParams{BuyerLabel: "Bob"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = env.svc.Create(ctx, Actor{}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCreateQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, func(p *Params) { p.Quotas = fixedQuota(1) })
	env.create(t, "u1", 1)

	_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var lerr *Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, 1, lerr.Limit)
	assert.Contains(t, lerr.Message, "up to 1 licenses")

	// Other owners are unaffected.
	env.create(t, "u2", 1)
}

func TestCreateWithoutQuotaProviderUsesDefaultLimit(t *testing.T) {
	env := newTestEnv(t, func(p *Params) { p.Quotas = nil })
	for i := 0; i < DefaultLicenseLimit; i++ {
		env.create(t, "u1", 1)
	}

	_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var lerr *Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, DefaultLicenseLimit, lerr.Limit)
}

func TestCreateConcurrentQuota(t *testing.T) {
	env := newTestEnv(t, func(p *Params) { p.Quotas = fixedQuota(5) })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, deny int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrQuotaExceeded) {
				deny++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 35, deny)
}

func TestCreateKeysAreUnique(t *testing.T) {
	env := newTestEnv(t, func(p *Params) { p.Quotas = fixedQuota(1000) })
	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		lic := env.create(t, "u1", 1)
		seen[lic.Key] = struct{}{}
	}
	assert.Len(t, seen, 200)
}

func TestCreateRetriesKeyCollisions(t *testing.T) {
	keys := []string{"dup", "dup", "fresh"}
	var i int
	gen := KeyGeneratorFunc(func() (string, error) {
		k := keys[i%len(keys)]
		i++
		return k, nil
	})
	env := newTestEnv(t, func(p *Params) { p.Keys = gen })

	first := env.create(t, "u1", 1)
	assert.Equal(t, "DUP", first.Key)
	second := env.create(t, "u1", 1)
	assert.Equal(t, "FRESH", second.Key)
}

func TestCreateKeyGenerationExhausted(t *testing.T) {
	gen := KeyGeneratorFunc(func() (string, error) { return "SAME", nil })
	env := newTestEnv(t, func(p *Params) {
		p.Keys = gen
		p.Options.MaxKeyAttempts = 3
	})
	env.create(t, "u1", 1)

	_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	assert.ErrorIs(t, err, ErrKeyGenerationExhausted)
}

func TestCreateGeneratorFailure(t *testing.T) {
	boom := errors.New("entropy")
	env := newTestEnv(t, func(p *Params) {
		p.Keys = KeyGeneratorFunc(func() (string, error) { return "", boom })
	})
	_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	assert.ErrorIs(t, err, boom)
}

func TestPurchase(t *testing.T) {
	catalog := staticCatalog{"p1": {ID: "p1", Name: "Econ", OwnerID: "seller", Price: 9.99}}
	env := newTestEnv(t, func(p *Params) { p.Catalog = catalog })

	lic, plugin, err := env.svc.Purchase(context.Background(), PurchaseParams{PluginID: "p1", BuyerLabel: "buyer@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Econ", plugin.Name)
	assert.Equal(t, "seller", lic.OwnerID)
	assert.Equal(t, "Econ", lic.PluginName)
	assert.Equal(t, "Not configured yet", lic.ServerLabel)
	assert.Equal(t, store.SourcePurchase, lic.Source)
	require.NotNil(t, lic.PurchasedAt)
	assert.Equal(t, testEpoch, *lic.PurchasedAt)

	_, _, err = env.svc.Purchase(context.Background(), PurchaseParams{PluginID: "missing", BuyerLabel: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	lic := env.create(t, "u1", 1)
	actor := Actor{OwnerID: "u1"}

	first, err := env.svc.Revoke(context.Background(), actor, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, first.Status)

	second, err := env.svc.Revoke(context.Background(), actor, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMutationsAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	lic := env.create(t, "u1", 2)
	ctx := context.Background()
	stranger := Actor{OwnerID: "u2"}

	_, err := env.svc.Revoke(ctx, stranger, lic.Key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.AddServer(ctx, stranger, lic.Key, "1.2.3.4", "25565", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.RemoveServer(ctx, stranger, lic.Key, "1.2.3.4", "25565")
	assert.ErrorIs(t, err, ErrNotFound)
	notes := "x"
	_, err = env.svc.UpdateFields(ctx, stranger, lic.Key, UpdateParams{Notes: &notes})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.Get(ctx, stranger, lic.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := env.store.Get(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, stored.Status)

	got, err := env.svc.Revoke(ctx, Actor{OwnerID: "admin", Admin: true}, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, got.Status)
}

func TestUpdateFieldsPartial(t *testing.T) {
	env := newTestEnv(t)
	lic := env.create(t, "u1", 1)
	actor := Actor{OwnerID: "u1"}
	ctx := context.Background()

	buyer := "Alice"
	got, err := env.svc.UpdateFields(ctx, actor, lic.Key, UpdateParams{BuyerLabel: &buyer})
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.BuyerLabel)
	assert.Equal(t, "srv1", got.ServerLabel)
	assert.Equal(t, lic.ExpiresAt, got.ExpiresAt)

	exp := testEpoch.Add(time.Hour)
	empty := ""
	got, err = env.svc.UpdateFields(ctx, actor, lic.Key, UpdateParams{ExpiresAt: &exp, Notes: &empty})
	require.NoError(t, err)
	assert.Equal(t, exp, got.ExpiresAt)
	assert.Equal(t, "Alice", got.BuyerLabel)

	blank := "   "
	_, err = env.svc.UpdateFields(ctx, actor, lic.Key, UpdateParams{ServerLabel: &blank})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = env.svc.UpdateFields(ctx, actor, "NOPE", UpdateParams{BuyerLabel: &buyer})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersAndPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := Actor{OwnerID: "u1"}

	var keys []string
	for i := 0; i < 5; i++ {
		lic, err := env.svc.Create(ctx, actor, CreateParams{PluginName: fmt.Sprintf("Econ%d", i), BuyerLabel: "Bob"})
		require.NoError(t, err)
		keys = append(keys, lic.Key)
		env.clock.Advance(time.Minute)
	}
	other, err := env.svc.Create(ctx, actor, CreateParams{PluginName: "Chat", BuyerLabel: "Bob"})
	require.NoError(t, err)
	env.create(t, "u2", 1)

	_, err = env.svc.Revoke(ctx, actor, keys[0])
	require.NoError(t, err)
	past := testEpoch.Add(-time.Hour)
	_, err = env.svc.UpdateFields(ctx, actor, keys[1], UpdateParams{ExpiresAt: &past})
	require.NoError(t, err)

	all, err := env.svc.List(ctx, actor, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
	assert.Equal(t, 1, all.Pages)
	assert.Equal(t, other.Key, all.Items[0].Key)

	econ, err := env.svc.List(ctx, actor, ListFilter{Plugin: "econ"})
	require.NoError(t, err)
	assert.Equal(t, 5, econ.Total)

	active, err := env.svc.List(ctx, actor, ListFilter{Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, 4, active.Total)

	expired, err := env.svc.List(ctx, actor, ListFilter{Status: "expired"})
	require.NoError(t, err)
	require.Equal(t, 1, expired.Total)
	assert.Equal(t, keys[1], expired.Items[0].Key)

	revoked, err := env.svc.List(ctx, actor, ListFilter{Status: "revoked"})
	require.NoError(t, err)
	require.Equal(t, 1, revoked.Total)
	assert.Equal(t, keys[0], revoked.Items[0].Key)

	page2, err := env.svc.List(ctx, actor, ListFilter{Page: 2, Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, page2.Pages)
	assert.Len(t, page2.Items, 2)

	beyond, err := env.svc.List(ctx, actor, ListFilter{Page: 9, Limit: 4})
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)

	capped, err := env.svc.List(ctx, actor, ListFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, capped.Limit)

	_, err = env.svc.List(ctx, actor, ListFilter{Status: "pending"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestListOwnerSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "u1", 1)
	env.create(t, "u2", 1)
	env.create(t, "u2", 1)

	// Non-admins cannot peek at another owner.
	page, err := env.svc.List(ctx, Actor{OwnerID: "u1"}, ListFilter{OwnerID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = env.svc.List(ctx, Actor{OwnerID: "admin", Admin: true}, ListFilter{OwnerID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := Actor{OwnerID: "u1"}
	a := env.create(t, "u1", 1)
	b := env.create(t, "u1", 1)
	env.create(t, "u1", 1)

	_, err := env.svc.Revoke(ctx, actor, a.Key)
	require.NoError(t, err)
	past := testEpoch.Add(-time.Second)
	_, err = env.svc.UpdateFields(ctx, actor, a.Key, UpdateParams{ExpiresAt: &past})
	require.NoError(t, err)
	_, err = env.svc.UpdateFields(ctx, actor, b.Key, UpdateParams{ExpiresAt: &past})
	require.NoError(t, err)

	st, err := env.svc.Stats(ctx, actor, "")
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Active: 1, Expired: 2, Revoked: 1}, st)
}

func TestMutationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, func(p *Params) {
		p.Metrics = NewMetrics(reg)
		p.Quotas = fixedQuota(1)
	})
	env.create(t, "u1", 1)
	_, err := env.svc.Create(context.Background(), Actor{OwnerID: "u1"}, CreateParams{PluginName: "Econ", BuyerLabel: "Bob"})
	require.Error(t, err)

	m := env.svc.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("create", string(CodeQuotaExceeded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Created.WithLabelValues(string(store.SourceManual))))
}
