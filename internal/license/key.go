package license

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyGenerator produces new license keys. Keys are uppercase; uniqueness is
// enforced by the store, generators only need to make collisions unlikely.
type KeyGenerator interface {
	NewKey() (string, error)
}

// KeyGeneratorFunc adapts a plain function to KeyGenerator.
type KeyGeneratorFunc func() (string, error)

func (f KeyGeneratorFunc) NewKey() (string, error) { return f() }

// UUIDKeyGenerator issues uppercase random UUIDs (122 random bits).
type UUIDKeyGenerator struct{}

func (UUIDKeyGenerator) NewKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(id.String()), nil
}

// GroupedKeyGenerator issues PREFIX-XXXX-XXXX-... keys from 20 random bytes.
type GroupedKeyGenerator struct {
	Prefix string
}

func (g GroupedKeyGenerator) NewKey() (string, error) {
	// 20 bytes => 32 base32 chars (no padding)
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	s := enc.EncodeToString(b)
	// group by 4 chars for readability
	var parts []string
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		parts = append(parts, s[i:end])
	}
	key := strings.Join(parts, "-")
	if g.Prefix != "" {
		key = strings.ToUpper(g.Prefix) + "-" + key
	}
	return key, nil
}

// NewKeyGenerator returns the generator for a configured format name.
func NewKeyGenerator(format, prefix string) (KeyGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "uuid":
		return UUIDKeyGenerator{}, nil
	case "grouped":
		return GroupedKeyGenerator{Prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("unknown key format %q", format)
	}
}

// NormalizeKey trims and uppercases a caller-supplied key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
