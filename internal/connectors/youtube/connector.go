// Package youtube searches YouTube through the Data API and falls back to
// yt-dlp for everything else.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
)

type Config struct {
	APIKey string
	// Endpoint overrides the API base URL.
	Endpoint string
	Logger   *slog.Logger
}

type Connector struct {
	base    *connectors.YtDlpConnector
	service *yt.Service
	logger  *slog.Logger
}

var (
	_ connectors.Connector        = (*Connector)(nil)
	_ connectors.PlaylistExpander = (*Connector)(nil)
)

func New(ctx context.Context, cfg Config, base *connectors.YtDlpConnector) (*Connector, error) {
	if base == nil {
		return nil, errors.New("youtube: base connector required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("youtube: api key required")
	}
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	service, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube: create service: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{base: base, service: service, logger: logger}, nil
}

func (c *Connector) Name() string { return c.base.Name() }

func (c *Connector) Info() domain.PlatformInfo {
	info := c.base.Info()
	info.Kind = "api"
	return info
}

// Search queries the Data API. Quota and auth errors fall back to yt-dlp so
// an exhausted key does not take the platform offline.
func (c *Connector) Search(ctx context.Context, query domain.ConnectorQuery) ([]domain.MediaInfo, error) {
	items, err := c.searchAPI(ctx, query)
	if err == nil {
		return items, nil
	}
	if !shouldFallback(err) {
		return nil, err
	}
	c.logger.Warn("youtube data api unavailable, using yt-dlp search", slog.String("error", err.Error()))
	return c.base.Search(ctx, query)
}

func (c *Connector) searchAPI(ctx context.Context, query domain.ConnectorQuery) ([]domain.MediaInfo, error) {
	limit := query.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	resp, err := c.service.Search.List([]string{"id", "snippet"}).
		Q(query.Keyword).
		Type("video").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}
	ids := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.VideoId != "" {
			ids = append(ids, item.Id.VideoId)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	videos, err := c.service.Videos.List([]string{"snippet", "contentDetails", "statistics"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube videos: %w", err)
	}
	byID := make(map[string]*yt.Video, len(videos.Items))
	for _, video := range videos.Items {
		byID[video.Id] = video
	}

	out := make([]domain.MediaInfo, 0, len(ids))
	for _, id := range ids {
		video, ok := byID[id]
		if !ok || video.Snippet == nil {
			continue
		}
		out = append(out, toMediaInfo(video))
	}
	return out, nil
}

func toMediaInfo(video *yt.Video) domain.MediaInfo {
	info := domain.MediaInfo{
		Platform: connectors.YouTube.Name,
		URL:      "https://www.youtube.com/watch?v=" + video.Id,
		SourceID: video.Id,
		Title:    strings.TrimSpace(video.Snippet.Title),
		Uploader: video.Snippet.ChannelTitle,
	}
	if published, err := time.Parse(time.RFC3339, video.Snippet.PublishedAt); err == nil {
		info.UploadDate = published.UTC().Format("20060102")
	}
	if thumbs := video.Snippet.Thumbnails; thumbs != nil {
		for _, thumb := range []*yt.Thumbnail{thumbs.Maxres, thumbs.High, thumbs.Medium, thumbs.Default} {
			if thumb != nil && thumb.Url != "" {
				info.Thumbnail = thumb.Url
				break
			}
		}
	}
	if video.ContentDetails != nil {
		info.DurationSeconds = ParseISODuration(video.ContentDetails.Duration)
	}
	if video.Statistics != nil {
		info.ViewCount = int64(video.Statistics.ViewCount)
		info.LikeCount = int64(video.Statistics.LikeCount)
	}
	return info
}

func shouldFallback(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			return true
		}
		return apiErr.Code >= 500
	}
	return false
}

func (c *Connector) Extract(ctx context.Context, sourceURL string) (domain.MediaInfo, error) {
	return c.base.Extract(ctx, sourceURL)
}

func (c *Connector) Entries(ctx context.Context, sourceURL string) ([]domain.MediaInfo, error) {
	return c.base.Entries(ctx, sourceURL)
}

func (c *Connector) Download(ctx context.Context, sourceURL, dir string, progress connectors.ProgressFunc) (string, error) {
	return c.base.Download(ctx, sourceURL, dir, progress)
}

func (c *Connector) Handles(sourceURL string) bool {
	return c.base.Handles(sourceURL)
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration converts an ISO 8601 duration such as PT4M13S to seconds.
// Unparseable values yield 0.
func ParseISODuration(raw string) int {
	match := isoDuration.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return 0
	}
	total := 0
	for i, unit := range []int{86400, 3600, 60, 1} {
		if match[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(match[i+1])
		if err != nil {
			return 0
		}
		total += n * unit
	}
	return total
}
