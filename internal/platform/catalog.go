package platform

import (
	"fmt"
	"sort"

	"github.com/djlord-it/contentguard/internal/domain"
)

// Catalog is the immutable set of configured platforms.
type Catalog struct {
	byID  map[domain.PlatformID]domain.PlatformConfig
	order []domain.PlatformID
}

// NewCatalog indexes configs and orders them by descending PriorityWeight,
// then name.
func NewCatalog(configs []domain.PlatformConfig) (*Catalog, error) {
	c := &Catalog{byID: make(map[domain.PlatformID]domain.PlatformConfig, len(configs))}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("platform with empty name")
		}
		id := domain.PlatformID(cfg.Name)
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate platform %q", cfg.Name)
		}
		c.byID[id] = cfg
		c.order = append(c.order, id)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		a, b := c.byID[c.order[i]], c.byID[c.order[j]]
		if a.PriorityWeight != b.PriorityWeight {
			return a.PriorityWeight > b.PriorityWeight
		}
		return a.Name < b.Name
	})
	return c, nil
}

func (c *Catalog) Get(id domain.PlatformID) (domain.PlatformConfig, bool) {
	cfg, ok := c.byID[id]
	return cfg, ok
}

// All returns every platform in priority order.
func (c *Catalog) All() []domain.PlatformConfig {
	out := make([]domain.PlatformConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Select returns the requested platforms (all when none are requested) in
// priority order, truncated to limit when limit > 0. Unknown ids are a
// validation failure.
func (c *Catalog) Select(requested []domain.PlatformID, limit int) ([]domain.PlatformConfig, error) {
	var picked []domain.PlatformConfig
	if len(requested) == 0 {
		picked = c.All()
	} else {
		want := make(map[domain.PlatformID]bool, len(requested))
		for _, id := range requested {
			if _, ok := c.byID[id]; !ok {
				return nil, domain.NewError(domain.KindValidation, "select platforms", fmt.Errorf("%w: %s", ErrUnknownPlatform, id))
			}
			want[id] = true
		}
		for _, id := range c.order {
			if want[id] {
				picked = append(picked, c.byID[id])
			}
		}
	}
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	return picked, nil
}
