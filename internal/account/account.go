package account

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"plugin-license-server/internal/license"
)

const (
	TierFree = "free"

	DefaultLicenseLimit = license.DefaultLicenseLimit
)

type Account struct {
	ID    string `mapstructure:"id"`
	Token string `mapstructure:"token"`
	Admin bool   `mapstructure:"admin"`
	Tier  string `mapstructure:"tier"`
	// LicenseLimit overrides the tier limit when positive.
	LicenseLimit int `mapstructure:"license_limit"`
}

type Config struct {
	DefaultLimit int            `mapstructure:"default_limit"`
	Tiers        map[string]int `mapstructure:"tiers"`
	Users        []Account      `mapstructure:"users"`
	// AdminToken, when set, adds an admin account with id "admin".
	AdminToken string `mapstructure:"admin_token"`
}

// Directory is a static account table: API tokens to actors and owners to
// license limits.
type Directory struct {
	defaultLimit int
	tiers        map[string]int
	accounts     []Account
	byID         map[string]Account
}

func NewDirectory(cfg Config) (*Directory, error) {
	d := &Directory{
		defaultLimit: cfg.DefaultLimit,
		tiers:        map[string]int{},
		byID:         map[string]Account{},
	}
	if d.defaultLimit <= 0 {
		d.defaultLimit = DefaultLicenseLimit
	}
	for name, limit := range cfg.Tiers {
		d.tiers[strings.ToLower(name)] = limit
	}

	users := cfg.Users
	if cfg.AdminToken != "" {
		users = append(users[:len(users):len(users)], Account{ID: "admin", Token: cfg.AdminToken, Admin: true})
	}
	tokens := map[string]string{}
	for _, a := range users {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("account without id")
		}
		if _, dup := d.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		if a.Token != "" {
			if other, dup := tokens[a.Token]; dup {
				return nil, fmt.Errorf("accounts %q and %q share a token", other, a.ID)
			}
			tokens[a.Token] = a.ID
		}
		a.Tier = strings.ToLower(strings.TrimSpace(a.Tier))
		if a.Tier == "" {
			a.Tier = TierFree
		}
		d.byID[a.ID] = a
		d.accounts = append(d.accounts, a)
	}
	return d, nil
}

// Authenticate resolves a bearer token.
func (d *Directory) Authenticate(token string) (license.Actor, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return license.Actor{}, false
	}
	for _, a := range d.accounts {
		if a.Token != "" && subtle.ConstantTimeCompare([]byte(a.Token), []byte(token)) == 1 {
			return license.Actor{OwnerID: a.ID, Admin: a.Admin}, true
		}
	}
	return license.Actor{}, false
}

// LicenseLimit implements license.Quotas. Unknown owners get the default
// limit so purchase-time creation works for owners not listed here.
func (d *Directory) LicenseLimit(_ context.Context, ownerID string) (int, error) {
	a, ok := d.byID[ownerID]
	if !ok {
		return d.defaultLimit, nil
	}
	if a.LicenseLimit > 0 {
		return a.LicenseLimit, nil
	}
	if limit, ok := d.tiers[a.Tier]; ok && limit > 0 {
		return limit, nil
	}
	return d.defaultLimit, nil
}
