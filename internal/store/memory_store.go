package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps licenses in process memory. Updates are serialised per
// license key and creates per owner; the maps are only locked for lookups.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[string]*memoryEntry
	owners   map[string]map[string]struct{}

	ownerLocks *keyedMutex
}

type memoryEntry struct {
	mu  sync.Mutex
	lic License
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		licenses:   map[string]*memoryEntry{},
		owners:     map[string]map[string]struct{}{},
		ownerLocks: newKeyedMutex(),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Create(ctx context.Context, lic License, ownerLimit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The owner lock makes count-then-insert atomic per owner; s.mu only
	// guards the maps.
	unlock := s.ownerLocks.Lock(lic.OwnerID)
	defer unlock()

	s.mu.RLock()
	held := len(s.owners[lic.OwnerID])
	s.mu.RUnlock()
	if held >= ownerLimit {
		return ErrQuotaExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[lic.Key]; ok {
		return ErrKeyExists
	}
	s.licenses[lic.Key] = &memoryEntry{lic: lic.Clone()}
	keys, ok := s.owners[lic.OwnerID]
	if !ok {
		keys = map[string]struct{}{}
		s.owners[lic.OwnerID] = keys
	}
	keys[lic.Key] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	s.mu.RLock()
	e, ok := s.licenses[key]
	s.mu.RUnlock()
	if !ok {
		return License{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lic.Clone(), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.owners[ownerID]))
	for key := range s.owners[ownerID] {
		entries = append(entries, s.licenses[key])
	}
	s.mu.RUnlock()

	out := make([]License, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.lic.Clone())
		e.mu.Unlock()
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn MutateFunc) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	s.mu.RLock()
	e, ok := s.licenses[key]
	s.mu.RUnlock()
	if !ok {
		return License{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.lic.Clone()
	if err := fn(&next); err != nil {
		return License{}, err
	}
	e.lic = next
	return next.Clone(), nil
}

func sortNewestFirst(list []License) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].Key < list[j].Key
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
