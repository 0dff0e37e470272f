package apihttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxProxiedThumbnailBytes = int64(5 * 1024 * 1024)

// thumbnailHosts lists the platform image CDNs the proxy serves, keyed by
// host suffix, with the Referer each CDN expects. Bilibili refuses
// hotlinked thumbnails without its own Referer.
var thumbnailHosts = map[string]string{
	"hdslb.com":        "https://www.bilibili.com/",
	"biliimg.com":      "https://www.bilibili.com/",
	"ytimg.com":        "https://www.youtube.com/",
	"ggpht.com":        "https://www.youtube.com/",
	"sndcdn.com":       "https://soundcloud.com/",
	"nimg.jp":          "https://www.nicovideo.jp/",
	"smilevideo.jp":    "https://www.nicovideo.jp/",
	"nicovideo.cdn.jp": "https://www.nicovideo.jp/",
}

// handleThumbnailProxy streams a search result thumbnail so clients can show
// covers from CDNs that block cross-site requests.
func (s *Server) handleThumbnailProxy(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search/thumbnail" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing url")
		return
	}

	target, err := url.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	referer, ok := thumbnailReferer(target.Hostname())
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "host is not a known thumbnail cdn")
		return
	}
	if err := validateProxyURL(r.Context(), target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	client := newThumbnailProxyClient(r.Context())
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid url")
		return
	}
	req.Header.Set("User-Agent", "content-resolver/1.0")
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", referer)

	resp, err := client.Do(req)
	if err != nil {
		s.logger.Debug("thumbnail fetch failed", slog.String("host", target.Hostname()), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to fetch thumbnail")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Upstream bodies are never forwarded.
		writeError(w, http.StatusBadGateway, "upstream_error", fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode))
		return
	}

	if resp.ContentLength > maxProxiedThumbnailBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "thumbnail too large")
		return
	}

	limited := io.LimitReader(resp.Body, maxProxiedThumbnailBytes)
	head := make([]byte, 512)
	n, readErr := io.ReadFull(limited, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read thumbnail")
		return
	}
	head = head[:n]

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(head)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadGateway, "upstream_error", "not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(head)
	_, _ = io.Copy(w, limited)
}

func newThumbnailProxyClient(parent context.Context) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}

	dialer := &net.Dialer{Timeout: 8 * time.Second, KeepAlive: 30 * time.Second}
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:   12 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if req.URL == nil {
				return errors.New("redirect missing url")
			}
			if _, ok := thumbnailReferer(req.URL.Hostname()); !ok {
				return errors.New("redirect left thumbnail cdn")
			}
			if err := validateProxyURL(parent, req.URL); err != nil {
				return err
			}
			return nil
		},
	}
}

func validateProxyURL(ctx context.Context, u *url.URL) error {
	if u == nil {
		return errors.New("invalid url")
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return errors.New("unsupported url scheme")
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return errors.New("invalid url host")
	}

	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "redis", "mongo", "postgres", "minio", "ollama":
		return errors.New("blocked url host")
	}
	if strings.HasSuffix(strings.ToLower(host), ".local") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return errors.New("blocked url host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return errors.New("blocked url host")
		}
		return nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(lookupCtx, host)
	if err != nil || len(addrs) == 0 {
		return errors.New("failed to resolve url host")
	}
	for _, addr := range addrs {
		if addr.IP == nil {
			continue
		}
		if isBlockedIP(addr.IP) {
			return errors.New("blocked url host")
		}
	}
	return nil
}

func thumbnailReferer(host string) (string, bool) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return "", false
	}
	for suffix, referer := range thumbnailHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return referer, true
		}
	}
	return "", false
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	return false
}
