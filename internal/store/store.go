package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("license not found")
	ErrKeyExists     = errors.New("license key already exists")
	ErrQuotaExceeded = errors.New("owner license limit reached")
	// ErrConflict is returned when an optimistic update kept losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

type Source string

const (
	SourceManual   Source = "manual"
	SourcePurchase Source = "purchase"
)

type Server struct {
	IP      string    `json:"ip"`
	Port    int       `json:"port"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"addedAt"`
}

type License struct {
	Key             string     `json:"key"`
	PluginName      string     `json:"plugin"`
	BuyerLabel      string     `json:"buyer"`
	ServerLabel     string     `json:"server"`
	OwnerID         string     `json:"createdBy"`
	Status          Status     `json:"status"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastValidatedAt *time.Time `json:"lastValidated"`
	ValidationCount int64      `json:"validationCount"`
	Notes           string     `json:"notes"`
	AllowedServers  []Server   `json:"allowedServers"`
	MaxServers      int        `json:"maxServers"`
	Source          Source     `json:"source,omitempty"`
	PurchasedAt     *time.Time `json:"purchaseDate,omitempty"`
}

// Clone returns a copy that shares no mutable state with l.
func (l License) Clone() License {
	out := l
	if l.AllowedServers != nil {
		out.AllowedServers = make([]Server, len(l.AllowedServers))
		copy(out.AllowedServers, l.AllowedServers)
	} else {
		out.AllowedServers = []Server{}
	}
	if l.LastValidatedAt != nil {
		t := *l.LastValidatedAt
		out.LastValidatedAt = &t
	}
	if l.PurchasedAt != nil {
		t := *l.PurchasedAt
		out.PurchasedAt = &t
	}
	return out
}

// MutateFunc edits a license in place. Returning an error aborts the update
// and nothing is written.
type MutateFunc func(lic *License) error

type Store interface {
	Close() error

	// Create inserts lic if its key is free and the owner currently holds
	// fewer than ownerLimit licenses. Both checks and the insert happen as one
	// unit.
	Create(ctx context.Context, lic License, ownerLimit int) error
	Get(ctx context.Context, key string) (License, error)
	ListByOwner(ctx context.Context, ownerID string) ([]License, error)

	// Update applies fn to the stored license under mutual exclusion with
	// every other Update of the same key and persists the result.
	Update(ctx context.Context, key string, fn MutateFunc) (License, error)
}

func decodeLicense(key string, raw []byte) (License, error) {
	var lic License
	if err := json.Unmarshal(raw, &lic); err != nil {
		return License{}, fmt.Errorf("decode license %s: %w", key, err)
	}
	if lic.AllowedServers == nil {
		lic.AllowedServers = []Server{}
	}
	return lic, nil
}
