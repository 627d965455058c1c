package domain

import (
	"fmt"
	"time"
)

type ScanScope string

const (
	ScopeQuick         ScanScope = "quick"
	ScopeComprehensive ScanScope = "comprehensive"
	ScopeDeep          ScanScope = "deep"
	ScopeTargeted      ScanScope = "targeted"
)

func ParseScope(s string) (ScanScope, error) {
	sc := ScanScope(s)
	switch sc {
	case ScopeQuick, ScopeComprehensive, ScopeDeep, ScopeTargeted:
		return sc, nil
	}
	return "", fmt.Errorf("unknown scan scope %q", s)
}

// PlatformCap is the number of platforms a scope may touch. Zero means unlimited.
func (s ScanScope) PlatformCap() int {
	switch s {
	case ScopeQuick:
		return 3
	case ScopeComprehensive:
		return 8
	case ScopeDeep:
		return 0
	case ScopeTargeted:
		return 0 // explicit platform list
	}
	return 3
}

// ResultLimit is the per-call candidate limit passed to scanners.
func (s ScanScope) ResultLimit() int {
	switch s {
	case ScopeQuick:
		return 20
	case ScopeDeep:
		return 200
	}
	return 50
}

type PlatformID string

type RegionID string

// ScanRequest is the parameter payload of FullScan/QuickScan/PlatformScan jobs.
type ScanRequest struct {
	ScanID    string            `json:"scan_id"`
	ProfileID string            `json:"profile_id"`
	Scope     ScanScope         `json:"scope"`
	Platforms []PlatformID      `json:"platforms,omitempty"`
	Regions   []RegionID        `json:"regions,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r ScanRequest) Validate() error {
	if r.ProfileID == "" {
		return NewError(KindValidation, "scan request", fmt.Errorf("profile_id is required"))
	}
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return NewError(KindValidation, "scan request", err)
	}
	if r.Scope == ScopeTargeted && len(r.Platforms) == 0 {
		return NewError(KindValidation, "scan request", fmt.Errorf("targeted scan requires platforms"))
	}
	return nil
}

// Candidate is a possible infringement returned by a platform scanner.
type Candidate struct {
	URL           string     `json:"url"`
	Title         string     `json:"title,omitempty"`
	Snippet       string     `json:"snippet,omitempty"`
	MediaURLs     []string   `json:"media_urls,omitempty"`
	RawConfidence float64    `json:"raw_confidence"`
	Platform      PlatformID `json:"platform"`
	Region        RegionID   `json:"region"`
}

// MatchResult is the content matcher's verdict for one candidate.
type MatchResult struct {
	Confidence float64 `json:"confidence"` // 0..1
	MatchType  string  `json:"match_type"`
}
