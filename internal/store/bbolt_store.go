package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketLicenses = "licenses"
	bucketOwners   = "owners"
)

// BBoltStore keeps each license as a JSON value keyed by license key, plus a
// nested bucket per owner listing that owner's keys. bbolt runs one writer at
// a time, so every read-modify-write below is a single Update transaction.
type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string, timeout time.Duration) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketLicenses)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketOwners)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) Create(ctx context.Context, lic License, ownerLimit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		if b.Get([]byte(lic.Key)) != nil {
			return ErrKeyExists
		}
		owner, err := tx.Bucket([]byte(bucketOwners)).CreateBucketIfNotExists([]byte(lic.OwnerID))
		if err != nil {
			return err
		}
		if countKeys(owner) >= ownerLimit {
			return ErrQuotaExceeded
		}
		if err := putLicense(tx, lic); err != nil {
			return err
		}
		return owner.Put([]byte(lic.Key), nil)
	})
}

func (s *BBoltStore) Get(ctx context.Context, key string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	var lic License
	if err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, key)
		return err
	}); err != nil {
		return License{}, err
	}
	return lic, nil
}

func (s *BBoltStore) ListByOwner(ctx context.Context, ownerID string) ([]License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]License, 0)
	if err := s.db.View(func(tx *bbolt.Tx) error {
		owner := tx.Bucket([]byte(bucketOwners)).Bucket([]byte(ownerID))
		if owner == nil {
			return nil
		}
		return owner.ForEach(func(k, _ []byte) error {
			lic, err := getLicense(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BBoltStore) Update(ctx context.Context, key string, fn MutateFunc) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	var updated License
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, key)
		if err != nil {
			return err
		}
		if err := fn(&lic); err != nil {
			return err
		}
		updated = lic
		return putLicense(tx, lic)
	}); err != nil {
		return License{}, err
	}
	return updated, nil
}

func getLicense(tx *bbolt.Tx, key string) (License, error) {
	v := tx.Bucket([]byte(bucketLicenses)).Get([]byte(key))
	if v == nil {
		return License{}, ErrNotFound
	}
	return decodeLicense(key, v)
}

func putLicense(tx *bbolt.Tx, lic License) error {
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketLicenses)).Put([]byte(lic.Key), buf)
}

func countKeys(b *bbolt.Bucket) int {
	// Stats can be stale; iterate for correctness.
	n := 0
	_ = b.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n
}
