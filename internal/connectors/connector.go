// Package connectors adapts media platforms (search, metadata extraction,
// audio download) behind one contract.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"storyhub/resolverservice/internal/domain"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrInvalidURL      = errors.New("invalid source url")
)

// ProgressFunc receives download progress in [0,1].
type ProgressFunc func(fraction float64)

type Connector interface {
	Name() string
	Info() domain.PlatformInfo
	Search(ctx context.Context, query domain.ConnectorQuery) ([]domain.MediaInfo, error)
	Extract(ctx context.Context, sourceURL string) (domain.MediaInfo, error)
	// Download fetches the best audio stream of sourceURL into dir and returns
	// the local file path.
	Download(ctx context.Context, sourceURL, dir string, progress ProgressFunc) (string, error)
	// Handles reports whether sourceURL belongs to this platform.
	Handles(sourceURL string) bool
}

// PlaylistExpander is implemented by connectors whose URLs may name a
// playlist, album or multi-part upload.
type PlaylistExpander interface {
	// Entries returns the items behind sourceURL in playlist order, or one
	// item when sourceURL is a single upload. Entry titles may be empty.
	Entries(ctx context.Context, sourceURL string) ([]domain.MediaInfo, error)
}

var _ PlaylistExpander = (*YtDlpConnector)(nil)

type Registry struct {
	connectors map[string]Connector
	order      []string
	defaults   []string
	fallback   Connector
}

type RegistryOption func(*Registry)

// WithDefaults sets the platforms searched when a request names none.
func WithDefaults(names ...string) RegistryOption {
	return func(r *Registry) {
		r.defaults = nil
		for _, name := range names {
			if key := normalizeName(name); key != "" {
				r.defaults = append(r.defaults, key)
			}
		}
	}
}

// WithFallback sets the connector used for URLs no platform claims.
func WithFallback(connector Connector) RegistryOption {
	return func(r *Registry) {
		r.fallback = connector
	}
}

func NewRegistry(connectors []Connector, opts ...RegistryOption) *Registry {
	registry := &Registry{connectors: make(map[string]Connector, len(connectors))}
	for _, connector := range connectors {
		if connector == nil {
			continue
		}
		name := normalizeName(connector.Name())
		if name == "" {
			continue
		}
		if _, exists := registry.connectors[name]; !exists {
			registry.order = append(registry.order, name)
		}
		registry.connectors[name] = connector
		for _, alias := range platformAliases(name) {
			if _, exists := registry.connectors[alias]; !exists {
				registry.connectors[alias] = connector
			}
		}
	}
	sort.Strings(registry.order)
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

func platformAliases(name string) []string {
	switch name {
	case "youtube":
		return []string{"yt"}
	case "bilibili":
		return []string{"bili", "b23"}
	case "soundcloud":
		return []string{"sc"}
	case "niconico":
		return []string{"nico"}
	default:
		return nil
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Get(name string) (Connector, bool) {
	connector, ok := r.connectors[normalizeName(name)]
	return connector, ok
}

// Select resolves requested platform names to connectors. Unknown names are
// ignored and duplicates collapse; an empty request selects the defaults.
func (r *Registry) Select(names []string) []Connector {
	if len(names) == 0 {
		names = r.Defaults()
	}
	out := make([]Connector, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		connector, ok := r.Get(name)
		if !ok {
			continue
		}
		canonical := normalizeName(connector.Name())
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, connector)
	}
	return out
}

// Defaults returns the default platform names, or every registered platform
// when no defaults were configured.
func (r *Registry) Defaults() []string {
	if len(r.defaults) > 0 {
		return append([]string(nil), r.defaults...)
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Platforms() []domain.PlatformInfo {
	items := make([]domain.PlatformInfo, 0, len(r.order))
	for _, name := range r.order {
		info := r.connectors[name].Info()
		if info.Name == "" {
			info.Name = name
		}
		if info.Label == "" {
			info.Label = name
		}
		items = append(items, info)
	}
	return items
}

// ForURL returns the connector that handles sourceURL.
func (r *Registry) ForURL(sourceURL string) (Connector, error) {
	if _, err := ParseSourceURL(sourceURL); err != nil {
		return nil, err
	}
	for _, name := range r.order {
		if connector := r.connectors[name]; connector.Handles(sourceURL) {
			return connector, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, sourceURL)
}

// ParseSourceURL accepts absolute http(s) URLs only.
func ParseSourceURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return parsed, nil
}

// HostMatches reports whether the host of sourceURL equals one of hosts or
// is a subdomain of one.
func HostMatches(sourceURL string, hosts []string) bool {
	parsed, err := ParseSourceURL(sourceURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, candidate := range hosts {
		candidate = strings.ToLower(candidate)
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}
