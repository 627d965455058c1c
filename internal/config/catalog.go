package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/djlord-it/contentguard/internal/domain"
)

// Catalog is the static set of regions and platforms, plus the hosts whose
// takedowns get a priority bonus.
type Catalog struct {
	Regions        []domain.Region
	Platforms      []domain.PlatformConfig
	HighValueHosts []string
}

// LoadCatalog reads a YAML catalog file. An empty path returns
// DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// catalogFile is the on-disk shape. Regions are active unless disabled.
type catalogFile struct {
	Regions []struct {
		ID          domain.RegionID   `yaml:"id"`
		CountryCode string            `yaml:"country_code"`
		Egress      map[string]string `yaml:"egress"`
		Disabled    bool              `yaml:"disabled"`
	} `yaml:"regions"`
	Platforms      []domain.PlatformConfig `yaml:"platforms"`
	HighValueHosts []string                `yaml:"high_value_hosts"`
}

// ParseCatalog decodes and checks a YAML catalog. Unknown keys are rejected
// so typos do not silently drop settings.
func ParseCatalog(data []byte) (Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	c := Catalog{Platforms: f.Platforms, HighValueHosts: f.HighValueHosts}
	for _, r := range f.Regions {
		c.Regions = append(c.Regions, domain.Region{
			ID:           r.ID,
			CountryCode:  r.CountryCode,
			EgressConfig: r.Egress,
			Active:       !r.Disabled,
		})
	}
	if err := c.check(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) check() error {
	var errs ValidationErrors
	if len(c.Regions) == 0 {
		errs.add("regions", "at least one region is required")
	}
	if len(c.Platforms) == 0 {
		errs.add("platforms", "at least one platform is required")
	}

	regions := make(map[domain.RegionID]bool, len(c.Regions))
	for i, r := range c.Regions {
		field := fmt.Sprintf("regions[%d]", i)
		if r.ID == "" {
			errs.add(field, "id is required")
			continue
		}
		if regions[r.ID] {
			errs.add(field, "duplicate region %q", r.ID)
		}
		regions[r.ID] = true
	}

	for i, p := range c.Platforms {
		field := fmt.Sprintf("platforms[%d]", i)
		if p.Name == "" {
			errs.add(field, "name is required")
			continue
		}
		if p.RateLimitPerMinute < 0 {
			errs.add(field, "rate_limit_per_minute must not be negative")
		}
		for _, id := range p.PreferredRegions {
			if !regions[id] {
				errs.add(field, "preferred region %q is not defined", id)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// DefaultCatalog is used when CATALOG_PATH is unset.
func DefaultCatalog() Catalog {
	return Catalog{
		Regions: []domain.Region{
			{ID: "us-east", CountryCode: "US", Active: true},
			{ID: "eu-west", CountryCode: "DE", Active: true},
			{ID: "ap-south", CountryCode: "SG", Active: true},
		},
		Platforms: []domain.PlatformConfig{
			{Name: "google", RateLimitPerMinute: 60, PriorityWeight: 100},
			{Name: "youtube", RateLimitPerMinute: 30, PriorityWeight: 90},
			{Name: "instagram", RateLimitPerMinute: 20, PriorityWeight: 80, RequiresAuth: true},
			{Name: "tiktok", RateLimitPerMinute: 20, PriorityWeight: 70},
			{Name: "reddit", RateLimitPerMinute: 30, PriorityWeight: 50},
			{Name: "twitter", RateLimitPerMinute: 15, PriorityWeight: 40, RequiresAuth: true},
		},
	}
}
