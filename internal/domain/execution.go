package domain

import "time"

// CallError records one failed (platform, region) scanner call.
type CallError struct {
	Platform PlatformID `json:"platform"`
	Region   RegionID   `json:"region,omitempty"`
	Kind     ErrorKind  `json:"kind"`
	Error    string     `json:"error"`
}

// ScanResult is persisted as a job's LastResult when a scan execution finishes.
type ScanResult struct {
	ScanID           string       `json:"scan_id"`
	URLsScanned      int          `json:"urls_scanned"`
	DuplicatesDrop   int          `json:"duplicates_dropped"`
	MatchesFound     int          `json:"matches_found"`
	TakedownsCreated int          `json:"takedowns_created"`
	PlatformsScanned []PlatformID `json:"platforms_scanned"`
	RegionsUsed      []RegionID   `json:"regions_used"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	Duration         string       `json:"duration"`
	Errors           []CallError  `json:"errors,omitempty"`
	Cancelled        bool         `json:"cancelled,omitempty"`
}
