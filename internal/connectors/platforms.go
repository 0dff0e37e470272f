package connectors

import (
	"context"
	"errors"
	"strings"

	"storyhub/resolverservice/internal/connectors/ytdlp"
	"storyhub/resolverservice/internal/domain"
)

// Platform describes a yt-dlp backed platform.
type Platform struct {
	Name         string
	Label        string
	SearchPrefix string
	Hosts        []string
}

var (
	YouTube = Platform{
		Name:         "youtube",
		Label:        "YouTube",
		SearchPrefix: "ytsearch",
		Hosts:        []string{"youtube.com", "youtu.be", "youtube-nocookie.com"},
	}
	Bilibili = Platform{
		Name:         "bilibili",
		Label:        "Bilibili",
		SearchPrefix: "bilisearch",
		Hosts:        []string{"bilibili.com", "b23.tv"},
	}
	SoundCloud = Platform{
		Name:         "soundcloud",
		Label:        "SoundCloud",
		SearchPrefix: "scsearch",
		Hosts:        []string{"soundcloud.com", "snd.sc"},
	}
	NicoNico = Platform{
		Name:         "niconico",
		Label:        "NicoNico",
		SearchPrefix: "nicosearch",
		Hosts:        []string{"nicovideo.jp", "nico.ms"},
	}
)

// DefaultSearchPlatforms are searched when a request names no platform.
var DefaultSearchPlatforms = []string{YouTube.Name, Bilibili.Name, SoundCloud.Name}

// Tool is the yt-dlp surface the platform connectors use.
type Tool interface {
	Search(ctx context.Context, platform, prefix, keyword string, limit int) ([]domain.MediaInfo, error)
	Extract(ctx context.Context, platform, sourceURL string) (domain.MediaInfo, error)
	Download(ctx context.Context, sourceURL, dir string, progress func(float64)) (string, error)
	Entries(ctx context.Context, platform, sourceURL string) ([]domain.MediaInfo, error)
}

var _ Tool = (*ytdlp.Runner)(nil)

type YtDlpConnector struct {
	platform Platform
	tool     Tool
}

func NewYtDlpConnector(platform Platform, tool Tool) *YtDlpConnector {
	return &YtDlpConnector{platform: platform, tool: tool}
}

func (c *YtDlpConnector) Name() string { return c.platform.Name }

func (c *YtDlpConnector) Info() domain.PlatformInfo {
	return domain.PlatformInfo{
		Name:    c.platform.Name,
		Label:   c.platform.Label,
		Kind:    "video",
		Enabled: c.tool != nil,
	}
}

func (c *YtDlpConnector) Search(ctx context.Context, query domain.ConnectorQuery) ([]domain.MediaInfo, error) {
	if c.platform.SearchPrefix == "" {
		return nil, errors.New(c.platform.Name + " does not support search")
	}
	return c.tool.Search(ctx, c.platform.Name, c.platform.SearchPrefix, normalizeKeyword(query.Keyword), query.Limit)
}

func (c *YtDlpConnector) Extract(ctx context.Context, sourceURL string) (domain.MediaInfo, error) {
	return c.tool.Extract(ctx, c.platform.Name, sourceURL)
}

// Entries lists the items behind sourceURL. A single video yields itself.
func (c *YtDlpConnector) Entries(ctx context.Context, sourceURL string) ([]domain.MediaInfo, error) {
	return c.tool.Entries(ctx, c.platform.Name, sourceURL)
}

func (c *YtDlpConnector) Download(ctx context.Context, sourceURL, dir string, progress ProgressFunc) (string, error) {
	return c.tool.Download(ctx, sourceURL, dir, progress)
}

func (c *YtDlpConnector) Handles(sourceURL string) bool {
	return len(c.platform.Hosts) > 0 && HostMatches(sourceURL, c.platform.Hosts)
}

// NewGeneric returns a connector for any site yt-dlp supports. It does not
// search and claims no hosts, so it only serves as a registry fallback.
func NewGeneric(tool Tool) *YtDlpConnector {
	return NewYtDlpConnector(Platform{Name: "generic", Label: "Other"}, tool)
}

// NewDefaultConnectors builds the four built-in platforms on one tool.
func NewDefaultConnectors(tool Tool) []Connector {
	platforms := []Platform{YouTube, Bilibili, SoundCloud, NicoNico}
	out := make([]Connector, 0, len(platforms))
	for _, platform := range platforms {
		out = append(out, NewYtDlpConnector(platform, tool))
	}
	return out
}

func normalizeKeyword(keyword string) string {
	return strings.Join(strings.Fields(keyword), " ")
}
