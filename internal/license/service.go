package license

import (
	"context"
	"time"

	"go.uber.org/zap"

	"plugin-license-server/internal/store"
)

type Options struct {
	// StoreTimeout bounds every store call; zero disables the bound.
	StoreTimeout    time.Duration
	MaxKeyAttempts  int
	DefaultValidity time.Duration
	// AllowUnparsedServer restores the legacy behaviour of skipping the
	// allowlist check when the server identity is not ip:port.
	AllowUnparsedServer bool
}

type Params struct {
	Store   store.Store
	Keys    KeyGenerator
	Clock   Clock
	Quotas  Quotas
	Catalog Catalog
	Logger  *zap.Logger
	Metrics *Metrics
	Options Options
}

// Service is the license core: lifecycle, allowlist and validation.
type Service struct {
	store   store.Store
	keys    KeyGenerator
	clock   Clock
	quotas  Quotas
	catalog Catalog
	log     *zap.Logger
	metrics *Metrics
	opts    Options
}

func NewService(p Params) *Service {
	s := &Service{
		store:   p.Store,
		keys:    p.Keys,
		clock:   p.Clock,
		quotas:  p.Quotas,
		catalog: p.Catalog,
		log:     p.Logger,
		metrics: p.Metrics,
		opts:    p.Options,
	}
	if s.keys == nil {
		s.keys = UUIDKeyGenerator{}
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.quotas == nil {
		s.quotas = QuotaFunc(func(context.Context, string) (int, error) { return DefaultLicenseLimit, nil })
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("license")
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.opts.MaxKeyAttempts <= 0 {
		s.opts.MaxKeyAttempts = DefaultMaxKeyAttempts
	}
	if s.opts.DefaultValidity <= 0 {
		s.opts.DefaultValidity = DefaultValidity
	}
	return s
}

func (s *Service) Now() time.Time { return s.clock.Now() }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.StoreTimeout)
	}
	return ctx, func() {}
}

// update runs fn on key inside the store's atomic update after checking that
// actor may manage the license. Licenses of other owners read as not found.
func (s *Service) update(ctx context.Context, actor Actor, key string, fn store.MutateFunc) (store.License, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	lic, err := s.store.Update(ctx, key, func(lic *store.License) error {
		if !actor.canManage(*lic) {
			return ErrNotFound
		}
		return fn(lic)
	})
	if err != nil {
		return store.License{}, fromStore(err)
	}
	return lic, nil
}
