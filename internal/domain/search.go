package domain

import "time"

type SearchRequest struct {
	Keyword    string
	Category   Category
	Platforms  []string
	MaxResults int
	NoCache    bool
}

// ConnectorQuery is what a single platform connector receives.
type ConnectorQuery struct {
	Keyword string
	Limit   int
}

type SourceRef struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

type SearchResultItem struct {
	Platform        string      `json:"platform"`
	URL             string      `json:"url"`
	SourceID        string      `json:"sourceId,omitempty"`
	Title           string      `json:"title"`
	DurationSeconds int         `json:"durationSeconds"`
	ViewCount       int64       `json:"viewCount"`
	LikeCount       int64       `json:"likeCount"`
	Thumbnail       string      `json:"thumbnail,omitempty"`
	Uploader        string      `json:"uploader,omitempty"`
	UploadDate      string      `json:"uploadDate,omitempty"`
	QualityScore    float64     `json:"qualityScore"`
	ExistsInDB      bool        `json:"existsInDb"`
	Duplicates      []SourceRef `json:"duplicates,omitempty"`
}

type PlatformInfo struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

type PlatformStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type PlatformDiagnostics struct {
	Name                string     `json:"name"`
	Label               string     `json:"label"`
	Kind                string     `json:"kind"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastOperation       string     `json:"lastOperation,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	LastSourceURL       string     `json:"lastSourceUrl,omitempty"`
	TotalRequests       int64      `json:"totalRequests,omitempty"`
	TotalFailures       int64      `json:"totalFailures,omitempty"`
	TimeoutCount        int64      `json:"timeoutCount,omitempty"`
	ThrottledCount      int64      `json:"throttledCount,omitempty"`
	// AcquireRequests counts extract and download calls from acquisition.
	AcquireRequests int64 `json:"acquireRequests,omitempty"`
	AcquireFailures int64 `json:"acquireFailures,omitempty"`
}

type SearchResponse struct {
	Keyword           string             `json:"keyword"`
	Category          Category           `json:"category"`
	Results           []SearchResultItem `json:"results"`
	PlatformsSearched []string           `json:"platformsSearched"`
	Platforms         []PlatformStatus   `json:"platforms"`
	DedupRemovedCount int                `json:"dedupRemovedCount"`
	TotalCount        int                `json:"totalCount"`
	ElapsedMS         int64              `json:"elapsedMs"`
}

// MediaInfo is the metadata a connector reports for a single source URL.
type MediaInfo struct {
	Platform        string `json:"platform"`
	URL             string `json:"url"`
	SourceID        string `json:"sourceId,omitempty"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Thumbnail       string `json:"thumbnail,omitempty"`
	Artist          string `json:"artist,omitempty"`
	Uploader        string `json:"uploader,omitempty"`
	UploadDate      string `json:"uploadDate,omitempty"`
	ViewCount       int64  `json:"viewCount,omitempty"`
	LikeCount       int64  `json:"likeCount,omitempty"`
}
