package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plugin-license-server/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedQuota int

func (q fixedQuota) LicenseLimit(context.Context, string) (int, error) { return int(q), nil }

type staticCatalog map[string]Plugin

func (c staticCatalog) Plugin(_ context.Context, id string) (Plugin, bool) {
	p, ok := c[id]
	return p, ok
}

type testEnv struct {
	svc   *Service
	store store.Store
	clock *ManualClock
}

func newTestEnv(t *testing.T, mods ...func(*Params)) testEnv {
	t.Helper()
	st := store.NewMemory()
	clock := NewManualClock(testEpoch)
	p := Params{
		Store:   st,
		Clock:   clock,
		Quotas:  fixedQuota(50),
		Options: Options{StoreTimeout: time.Second},
	}
	for _, m := range mods {
		m(&p)
	}
	return testEnv{svc: NewService(p), store: p.Store, clock: clock}
}

func (e testEnv) create(t *testing.T, owner string, maxServers int) store.License {
	t.Helper()
	lic, err := e.svc.Create(context.Background(), Actor{OwnerID: owner}, CreateParams{
		PluginName:  "Econ",
		BuyerLabel:  "Bob",
		ServerLabel: "srv1",
		MaxServers:  maxServers,
	})
	require.NoError(t, err)
	return lic
}
