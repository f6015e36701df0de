package license

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"plugin-license-server/internal/store"
)

const (
	DefaultValidity       = 365 * 24 * time.Hour
	DefaultMaxServers     = 1
	DefaultMaxKeyAttempts = 5
	DefaultLicenseLimit   = 50
)

// Actor is the authenticated caller of an owner-scoped operation.
type Actor struct {
	OwnerID string
	// Admin may act on licenses of any owner.
	Admin bool
}

func (a Actor) canManage(lic store.License) bool {
	if a.Admin {
		return true
	}
	return a.OwnerID != "" && a.OwnerID == lic.OwnerID
}

// Quotas resolves how many licenses an owner may hold.
type Quotas interface {
	LicenseLimit(ctx context.Context, ownerID string) (int, error)
}

// QuotaFunc adapts a plain function to Quotas.
type QuotaFunc func(ctx context.Context, ownerID string) (int, error)

func (f QuotaFunc) LicenseLimit(ctx context.Context, ownerID string) (int, error) {
	return f(ctx, ownerID)
}

type Plugin struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	OwnerID string  `json:"createdBy"`
	Price   float64 `json:"price"`
}

// Catalog resolves plugin ids for purchase-time license creation.
type Catalog interface {
	Plugin(ctx context.Context, id string) (Plugin, bool)
}

// IsCurrentlyValid reports whether lic is usable at now: active and not past
// its expiry.
func IsCurrentlyValid(lic store.License, now time.Time) bool {
	return lic.Status == store.StatusActive && !IsExpired(lic, now)
}

func IsExpired(lic store.License, now time.Time) bool {
	return now.After(lic.ExpiresAt)
}

// ParsePort accepts a decimal port in 1..65535.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

// ParseServerIdentity splits "ip:port". ok is false unless there is exactly
// one colon, a non-empty ip and a valid port.
func ParseServerIdentity(s string) (ip string, port int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return "", 0, false
	}
	ip = strings.TrimSpace(parts[0])
	if ip == "" {
		return "", 0, false
	}
	port, err := ParsePort(parts[1])
	if err != nil {
		return "", 0, false
	}
	return ip, port, true
}

func hasServer(lic store.License, ip string, port int) bool {
	for _, s := range lic.AllowedServers {
		if s.IP == ip && s.Port == port {
			return true
		}
	}
	return false
}

// PublicLicense is what an unauthenticated validation caller gets to see.
type PublicLicense struct {
	Key             string         `json:"key"`
	Plugin          string         `json:"plugin"`
	Buyer           string         `json:"buyer"`
	Server          string         `json:"server"`
	Status          store.Status   `json:"status"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	LastValidated   *time.Time     `json:"lastValidated"`
	ValidationCount int64          `json:"validationCount"`
	AllowedServers  []store.Server `json:"allowedServers"`
	MaxServers      int            `json:"maxServers"`
}

func Redact(lic store.License) PublicLicense {
	servers := lic.AllowedServers
	if servers == nil {
		servers = []store.Server{}
	}
	return PublicLicense{
		Key:             lic.Key,
		Plugin:          lic.PluginName,
		Buyer:           lic.BuyerLabel,
		Server:          lic.ServerLabel,
		Status:          lic.Status,
		ExpiresAt:       lic.ExpiresAt,
		LastValidated:   lic.LastValidatedAt,
		ValidationCount: lic.ValidationCount,
		AllowedServers:  servers,
		MaxServers:      lic.MaxServers,
	}
}
