package domain

import "time"

// Region is an egress location scans can be routed through.
type Region struct {
	ID           RegionID          `json:"id"`
	CountryCode  string            `json:"country_code"`
	EgressConfig map[string]string `json:"egress_config,omitempty"`
	Active       bool              `json:"active"`
	LastUsedAt   *time.Time        `json:"last_used_at,omitempty"`
}

// PlatformConfig is immutable after load.
type PlatformConfig struct {
	Name               PlatformID `json:"name" yaml:"name"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	PriorityWeight     int        `json:"priority_weight" yaml:"priority_weight"`
	RequiresAuth       bool       `json:"requires_auth" yaml:"requires_auth"`
	// PreferredRegions is ordered by preference; empty means any active region.
	PreferredRegions []RegionID `json:"preferred_regions,omitempty" yaml:"preferred_regions"`
}
