package domain

import "time"

// AnalyticsType names a per-profile scan counter.
type AnalyticsType string

const (
	// AnalyticsTypeURLs counts candidate URLs returned by platform searches.
	AnalyticsTypeURLs AnalyticsType = "urls"
	// AnalyticsTypeMatches counts candidates the matcher confirmed.
	AnalyticsTypeMatches AnalyticsType = "matches"
)

// AnalyticsConfig controls scan counters. Counters are bucketed by Window
// (one minute, five minutes, one hour or one day) and each bucket expires
// Retention after its last write.
type AnalyticsConfig struct {
	Enabled   bool
	Window    time.Duration
	Retention time.Duration
}
