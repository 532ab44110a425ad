package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	// Details carries structured context such as the rejected field and suggestions.
	Details any `json:"details,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	Cache     CacheStatus `json:"cache"`
}

// CacheStatus reports which tier served the entity lists for a command.
type CacheStatus struct {
	Status string `json:"status"`
	Source string `json:"source,omitempty"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

// EntityLists is the pair of name lists fetched from the remote service and
// persisted in snapshots and static fallback files.
type EntityLists struct {
	Categories []string `json:"categories"`
	Platforms  []string `json:"platforms"`
}

type CacheInfo struct {
	Initialized     bool      `json:"initialized"`
	Source          string    `json:"source,omitempty"`
	LastRefresh     time.Time `json:"last_refresh,omitempty"`
	AgeMS           int64     `json:"age_ms"`
	CacheDurationMS int64     `json:"cache_duration_ms"`
	Categories      int       `json:"categories"`
	Platforms       int       `json:"platforms"`
	Tokens          int       `json:"tokens"`
}

type EntityOption struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

type TimeframeResolution struct {
	Input     string    `json:"input"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	SpanHours float64   `json:"span_hours"`
}

type RefreshResult struct {
	Source string    `json:"source"`
	Cache  CacheInfo `json:"cache"`
}

// CacheReport is the cache status view: in-process state plus the newest snapshot on disk.
type CacheReport struct {
	Cache          CacheInfo  `json:"cache"`
	DiskEnabled    bool       `json:"disk_enabled"`
	SnapshotDir    string     `json:"snapshot_dir,omitempty"`
	LatestSnapshot *time.Time `json:"latest_snapshot,omitempty"`
	SnapshotAgeMS  int64      `json:"snapshot_age_ms,omitempty"`
	SnapshotFresh  bool       `json:"snapshot_fresh"`
}
