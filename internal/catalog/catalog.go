package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"plugin-license-server/internal/license"
)

type Entry struct {
	ID      string  `mapstructure:"id"`
	Name    string  `mapstructure:"name"`
	OwnerID string  `mapstructure:"owner"`
	Price   float64 `mapstructure:"price"`
}

// Static is a fixed plugin catalog loaded from configuration.
type Static struct {
	plugins map[string]license.Plugin
}

func NewStatic(entries []Entry) (*Static, error) {
	c := &Static{plugins: make(map[string]license.Plugin, len(entries))}
	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" || strings.TrimSpace(e.Name) == "" || strings.TrimSpace(e.OwnerID) == "" {
			return nil, fmt.Errorf("plugin %q: id, name and owner are required", e.ID)
		}
		if _, dup := c.plugins[id]; dup {
			return nil, fmt.Errorf("duplicate plugin id %q", id)
		}
		if e.Price < 0 {
			return nil, fmt.Errorf("plugin %q: negative price", id)
		}
		c.plugins[id] = license.Plugin{
			ID:      id,
			Name:    strings.TrimSpace(e.Name),
			OwnerID: strings.TrimSpace(e.OwnerID),
			Price:   e.Price,
		}
	}
	return c, nil
}

func (c *Static) Plugin(_ context.Context, id string) (license.Plugin, bool) {
	p, ok := c.plugins[strings.TrimSpace(id)]
	return p, ok
}

// All returns the catalog sorted by name.
func (c *Static) All() []license.Plugin {
	out := make([]license.Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
