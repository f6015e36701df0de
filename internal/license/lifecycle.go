package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"plugin-license-server/internal/store"
)

const purchaseServerLabel = "Not configured yet"

type CreateParams struct {
	PluginName  string
	BuyerLabel  string
	ServerLabel string
	// ExpiresAt defaults to creation time plus the default validity.
	ExpiresAt *time.Time
	// MaxServers below 1 means the default of 1.
	MaxServers int
	Notes      string
}

// Create issues a new license owned by actor, subject to the owner's quota.
func (s *Service) Create(ctx context.Context, actor Actor, p CreateParams) (store.License, error) {
	if strings.TrimSpace(actor.OwnerID) == "" {
		return store.License{}, badRequest("owner is required")
	}
	lic, err := s.create(ctx, actor.OwnerID, p, store.SourceManual)
	s.metrics.mutation("create", err)
	return lic, err
}

type PurchaseParams struct {
	PluginID   string
	BuyerLabel string
	MaxServers int
}

// Purchase issues a license for a catalog plugin on behalf of the plugin's
// owner. It is the entry point for billing webhooks.
func (s *Service) Purchase(ctx context.Context, p PurchaseParams) (store.License, Plugin, error) {
	if s.catalog == nil {
		return store.License{}, Plugin{}, newError(CodeNotFound, "Plugin not found")
	}
	plugin, ok := s.catalog.Plugin(ctx, strings.TrimSpace(p.PluginID))
	if !ok {
		return store.License{}, Plugin{}, newError(CodeNotFound, "Plugin not found")
	}
	lic, err := s.create(ctx, plugin.OwnerID, CreateParams{
		PluginName:  plugin.Name,
		BuyerLabel:  p.BuyerLabel,
		ServerLabel: purchaseServerLabel,
		MaxServers:  p.MaxServers,
	}, store.SourcePurchase)
	s.metrics.mutation("purchase", err)
	if err != nil {
		return store.License{}, Plugin{}, err
	}
	return lic, plugin, nil
}

func (s *Service) create(ctx context.Context, ownerID string, p CreateParams, source store.Source) (store.License, error) {
	plugin := strings.TrimSpace(p.PluginName)
	buyer := strings.TrimSpace(p.BuyerLabel)
	if plugin == "" || buyer == "" {
		return store.License{}, badRequest("plugin and buyer are required")
	}

	limit, err := s.quotas.LicenseLimit(ctx, ownerID)
	if err != nil {
		return store.License{}, fmt.Errorf("resolve license limit for %s: %w", ownerID, err)
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.opts.DefaultValidity)
	if p.ExpiresAt != nil {
		expiresAt = p.ExpiresAt.UTC()
	}
	maxServers := p.MaxServers
	if maxServers < 1 {
		maxServers = DefaultMaxServers
	}

	log := s.log.With(zap.String("owner", ownerID), zap.String("plugin", plugin))
	for attempt := 1; attempt <= s.opts.MaxKeyAttempts; attempt++ {
		key, err := s.keys.NewKey()
		if err != nil {
			return store.License{}, fmt.Errorf("generate license key: %w", err)
		}
		lic := store.License{
			Key:            NormalizeKey(key),
			PluginName:     plugin,
			BuyerLabel:     buyer,
			ServerLabel:    strings.TrimSpace(p.ServerLabel),
			OwnerID:        ownerID,
			Status:         store.StatusActive,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
			Notes:          p.Notes,
			AllowedServers: []store.Server{},
			MaxServers:     maxServers,
			Source:         source,
		}
		if source == store.SourcePurchase {
			lic.PurchasedAt = &now
		}

		sctx, cancel := s.storeCtx(ctx)
		err = s.store.Create(sctx, lic, limit)
		cancel()
		switch {
		case err == nil:
			s.metrics.Created.WithLabelValues(string(source)).Inc()
			log.Info("license created", zap.String("key", lic.Key), zap.Int("max_servers", maxServers), zap.String("source", string(source)))
			return lic, nil
		case errors.Is(err, store.ErrKeyExists):
			log.Warn("license key collision, retrying", zap.Int("attempt", attempt))
		case errors.Is(err, store.ErrQuotaExceeded):
			log.Info("license quota reached", zap.Int("limit", limit))
			return store.License{}, quotaExceeded(limit)
		default:
			log.Error("create license failed", zap.Error(err))
			return store.License{}, fromStore(err)
		}
	}
	log.Error("license key generation exhausted", zap.Int("attempts", s.opts.MaxKeyAttempts))
	return store.License{}, ErrKeyGenerationExhausted
}

// Revoke marks the license revoked. Revoking twice is not an error.
func (s *Service) Revoke(ctx context.Context, actor Actor, key string) (store.License, error) {
	key = NormalizeKey(key)
	if key == "" {
		return store.License{}, badRequest("license key is required")
	}
	lic, err := s.update(ctx, actor, key, func(lic *store.License) error {
		lic.Status = store.StatusRevoked
		return nil
	})
	s.metrics.mutation("revoke", err)
	if err == nil {
		s.log.Info("license revoked", zap.String("key", key), zap.String("actor", actor.OwnerID))
	}
	return lic, err
}

// UpdateParams holds the owner-editable fields; nil leaves a field as is.
type UpdateParams struct {
	BuyerLabel  *string
	ServerLabel *string
	ExpiresAt   *time.Time
	Notes       *string
}

func (s *Service) UpdateFields(ctx context.Context, actor Actor, key string, p UpdateParams) (store.License, error) {
	key = NormalizeKey(key)
	if key == "" {
		return store.License{}, badRequest("license key is required")
	}
	var buyer, server string
	if p.BuyerLabel != nil {
		if buyer = strings.TrimSpace(*p.BuyerLabel); buyer == "" {
			return store.License{}, badRequest("buyer must not be empty")
		}
	}
	if p.ServerLabel != nil {
		if server = strings.TrimSpace(*p.ServerLabel); server == "" {
			return store.License{}, badRequest("server must not be empty")
		}
	}
	if p.ExpiresAt != nil && p.ExpiresAt.IsZero() {
		return store.License{}, badRequest("expiresAt must be a valid time")
	}

	lic, err := s.update(ctx, actor, key, func(lic *store.License) error {
		if p.BuyerLabel != nil {
			lic.BuyerLabel = buyer
		}
		if p.ServerLabel != nil {
			lic.ServerLabel = server
		}
		if p.ExpiresAt != nil {
			lic.ExpiresAt = p.ExpiresAt.UTC()
		}
		if p.Notes != nil {
			lic.Notes = *p.Notes
		}
		return nil
	})
	s.metrics.mutation("update", err)
	return lic, err
}

func (s *Service) Get(ctx context.Context, actor Actor, key string) (store.License, error) {
	key = NormalizeKey(key)
	if key == "" {
		return store.License{}, badRequest("license key is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	lic, err := s.store.Get(sctx, key)
	if err != nil {
		return store.License{}, fromStore(err)
	}
	if !actor.canManage(lic) {
		return store.License{}, ErrNotFound
	}
	return lic, nil
}

const (
	FilterActive  = "active"
	FilterExpired = "expired"
	FilterRevoked = "revoked"

	defaultPageSize = 10
	maxPageSize     = 100
)

type ListFilter struct {
	// OwnerID selects whose licenses to list. Only admins may name an owner
	// other than themselves.
	OwnerID string
	Status  string
	// Plugin is a case-insensitive substring match on the plugin name.
	Plugin string
	Page   int
	Limit  int
}

type Page struct {
	Items []store.License `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
	Pages int             `json:"pages"`
}

func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) (Page, error) {
	owner, err := listOwner(actor, f.OwnerID)
	if err != nil {
		return Page{}, err
	}
	status := strings.ToLower(strings.TrimSpace(f.Status))
	switch status {
	case "", FilterActive, FilterExpired, FilterRevoked:
	default:
		return Page{}, badRequest(fmt.Sprintf("unknown status filter %q", f.Status))
	}
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	all, err := s.store.ListByOwner(sctx, owner)
	if err != nil {
		return Page{}, fromStore(err)
	}

	now := s.clock.Now()
	plugin := strings.ToLower(strings.TrimSpace(f.Plugin))
	matched := make([]store.License, 0, len(all))
	for _, lic := range all {
		if plugin != "" && !strings.Contains(strings.ToLower(lic.PluginName), plugin) {
			continue
		}
		if !matchStatus(lic, status, now) {
			continue
		}
		matched = append(matched, lic)
	}

	out := Page{Total: len(matched), Page: page, Limit: limit, Items: []store.License{}}
	out.Pages = (out.Total + limit - 1) / limit
	start := (page - 1) * limit
	if start < len(matched) {
		end := start + limit
		if end > len(matched) {
			end = len(matched)
		}
		out.Items = matched[start:end]
	}
	return out, nil
}

func matchStatus(lic store.License, status string, now time.Time) bool {
	switch status {
	case FilterActive:
		return IsCurrentlyValid(lic, now)
	case FilterExpired:
		return IsExpired(lic, now)
	case FilterRevoked:
		return lic.Status == store.StatusRevoked
	default:
		return true
	}
}

type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
}

// Stats counts an owner's licenses. Expired counts past-expiry licenses
// whatever their status, so a revoked and expired license is in both.
func (s *Service) Stats(ctx context.Context, actor Actor, ownerID string) (Stats, error) {
	owner, err := listOwner(actor, ownerID)
	if err != nil {
		return Stats{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	all, err := s.store.ListByOwner(sctx, owner)
	if err != nil {
		return Stats{}, fromStore(err)
	}
	now := s.clock.Now()
	st := Stats{Total: len(all)}
	for _, lic := range all {
		if IsCurrentlyValid(lic, now) {
			st.Active++
		}
		if IsExpired(lic, now) {
			st.Expired++
		}
		if lic.Status == store.StatusRevoked {
			st.Revoked++
		}
	}
	return st, nil
}

func listOwner(actor Actor, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case requested == "" || requested == actor.OwnerID:
		if actor.OwnerID == "" {
			return "", badRequest("owner is required")
		}
		return actor.OwnerID, nil
	case actor.Admin:
		return requested, nil
	default:
		return actor.OwnerID, nil
	}
}
