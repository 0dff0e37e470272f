// Package ytdlp drives the yt-dlp command line tool for search, metadata
// extraction and audio download.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"storyhub/resolverservice/internal/domain"
)

var commandContext = exec.CommandContext

const (
	progressPrefix = "PROGRESS:"
	filePrefix     = "FILE:"
)

var ErrNoOutput = errors.New("yt-dlp produced no file")

type Option func(*Runner)

func WithBinary(binary string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(binary) != "" {
			r.binary = strings.TrimSpace(binary)
		}
	}
}

func WithProxy(proxy string) Option {
	return func(r *Runner) {
		r.proxy = strings.TrimSpace(proxy)
	}
}

// WithCookiesFile passes a Netscape cookie file when it exists.
func WithCookiesFile(path string) Option {
	return func(r *Runner) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			r.cookiesFile = path
		}
	}
}

type Runner struct {
	binary      string
	proxy       string
	cookiesFile string
}

func NewRunner(opts ...Option) *Runner {
	runner := &Runner{binary: "yt-dlp"}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

func (r *Runner) baseArgs() []string {
	args := []string{"--quiet", "--no-warnings", "--ignore-config"}
	if r.proxy != "" {
		args = append(args, "--proxy", r.proxy)
	}
	if r.cookiesFile != "" {
		args = append(args, "--cookies", r.cookiesFile)
	}
	return args
}

// Search runs a "<prefix><limit>:<keyword>" query with flat extraction.
func (r *Runner) Search(ctx context.Context, platform, prefix, keyword string, limit int) ([]domain.MediaInfo, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New("search keyword required")
	}
	if limit <= 0 {
		limit = 10
	}
	args := append(r.baseArgs(), "--flat-playlist", "--dump-single-json", "--skip-download",
		fmt.Sprintf("%s%d:%s", prefix, limit, keyword))
	out, err := r.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return ParseSearchOutput(platform, out)
}

// Extract reads metadata for a single URL without downloading.
func (r *Runner) Extract(ctx context.Context, platform, sourceURL string) (domain.MediaInfo, error) {
	args := append(r.baseArgs(), "--dump-single-json", "--no-playlist", "--skip-download", sourceURL)
	out, err := r.run(ctx, args)
	if err != nil {
		return domain.MediaInfo{}, err
	}
	return ParseExtractOutput(platform, sourceURL, out)
}

// Entries lists the items of a playlist URL without resolving each one. A
// single video yields one item.
func (r *Runner) Entries(ctx context.Context, platform, sourceURL string) ([]domain.MediaInfo, error) {
	args := append(r.baseArgs(), "--flat-playlist", "--dump-single-json", "--skip-download", "--yes-playlist", sourceURL)
	out, err := r.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return ParsePlaylistOutput(platform, sourceURL, out)
}

// Download fetches the best audio stream into dir and reports progress as a
// fraction. The returned path is the file yt-dlp wrote.
func (r *Runner) Download(ctx context.Context, sourceURL, dir string, progress func(float64)) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("output directory required")
	}
	args := append(r.baseArgs(),
		"--no-playlist",
		"--format", "bestaudio/best",
		"--output", filepath.Join(dir, "%(id)s.%(ext)s"),
		"--newline",
		"--progress",
		"--progress-template", "download:"+progressPrefix+"%(progress.downloaded_bytes)s/%(progress.total_bytes)s/%(progress.total_bytes_estimate)s",
		"--print", "after_move:"+filePrefix+"%(filepath)s",
		"--no-simulate",
		sourceURL,
	)
	cmd := commandContext(ctx, r.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}

	var filePath string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if fraction, ok := ParseProgressLine(line); ok {
			if progress != nil {
				progress(fraction)
			}
			continue
		}
		if path, ok := strings.CutPrefix(line, filePrefix); ok && strings.TrimSpace(path) != "" {
			filePath = strings.TrimSpace(path)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return "", fmt.Errorf("read yt-dlp output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("yt-dlp download failed: %w: %s", err, lastLine(stderr.String()))
	}
	if filePath == "" {
		return "", ErrNoOutput
	}
	return filePath, nil
}

func (r *Runner) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := commandContext(ctx, r.binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, lastLine(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type entry struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	WebpageURL  string   `json:"webpage_url"`
	OriginalURL string   `json:"original_url"`
	Duration    *float64 `json:"duration"`
	ViewCount   *int64   `json:"view_count"`
	LikeCount   *int64   `json:"like_count"`
	Thumbnail   string   `json:"thumbnail"`
	Thumbnails  []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
	Artist     string   `json:"artist"`
	Uploader   string   `json:"uploader"`
	Channel    string   `json:"channel"`
	UploadDate string   `json:"upload_date"`
	Entries    []*entry `json:"entries"`
}

// ParseSearchOutput decodes a --dump-single-json search playlist.
func ParseSearchOutput(platform string, data []byte) ([]domain.MediaInfo, error) {
	var root entry
	if err := json.Unmarshal(bytes.TrimSpace(data), &root); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	entries := root.Entries
	if len(entries) == 0 && root.Title != "" {
		entries = []*entry{&root}
	}
	items := make([]domain.MediaInfo, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		item := e.toMediaInfo(platform, "")
		if item.URL == "" || item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ParseExtractOutput decodes metadata for one URL. Playlists yield their
// first entry.
func ParseExtractOutput(platform, sourceURL string, data []byte) (domain.MediaInfo, error) {
	var root entry
	if err := json.Unmarshal(bytes.TrimSpace(data), &root); err != nil {
		return domain.MediaInfo{}, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	target := &root
	if len(root.Entries) > 0 {
		target = nil
		for _, e := range root.Entries {
			if e != nil {
				target = e
				break
			}
		}
		if target == nil {
			return domain.MediaInfo{}, errors.New("playlist has no entries")
		}
	}
	info := target.toMediaInfo(platform, sourceURL)
	if info.Title == "" {
		return domain.MediaInfo{}, errors.New("extracted metadata has no title")
	}
	return info, nil
}

// ParsePlaylistOutput decodes a flat --dump-single-json listing into its
// entries in order. Entries without an absolute URL are dropped. A document
// without entries is a single item.
func ParsePlaylistOutput(platform, sourceURL string, data []byte) ([]domain.MediaInfo, error) {
	var root entry
	if err := json.Unmarshal(bytes.TrimSpace(data), &root); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	if root.Entries == nil {
		info := root.toMediaInfo(platform, sourceURL)
		if info.URL == "" {
			return nil, errors.New("extracted metadata has no url")
		}
		return []domain.MediaInfo{info}, nil
	}
	items := make([]domain.MediaInfo, 0, len(root.Entries))
	for _, e := range root.Entries {
		if e == nil {
			continue
		}
		item := e.toMediaInfo(platform, "")
		if !strings.HasPrefix(item.URL, "http://") && !strings.HasPrefix(item.URL, "https://") {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, errors.New("playlist has no entries")
	}
	return items, nil
}

func (e *entry) toMediaInfo(platform, fallbackURL string) domain.MediaInfo {
	link := firstNonEmpty(e.WebpageURL, e.URL, e.OriginalURL, fallbackURL)
	thumbnail := e.Thumbnail
	if thumbnail == "" && len(e.Thumbnails) > 0 {
		thumbnail = e.Thumbnails[len(e.Thumbnails)-1].URL
	}
	info := domain.MediaInfo{
		Platform:   platform,
		URL:        strings.TrimSpace(link),
		SourceID:   strings.TrimSpace(e.ID),
		Title:      strings.TrimSpace(e.Title),
		Thumbnail:  thumbnail,
		Artist:     strings.TrimSpace(e.Artist),
		Uploader:   firstNonEmpty(e.Uploader, e.Channel),
		UploadDate: e.UploadDate,
	}
	if e.Duration != nil && *e.Duration > 0 {
		info.DurationSeconds = int(*e.Duration + 0.5)
	}
	if e.ViewCount != nil {
		info.ViewCount = *e.ViewCount
	}
	if e.LikeCount != nil {
		info.LikeCount = *e.LikeCount
	}
	return info
}

// ParseProgressLine decodes a progress-template line into a fraction.
// Unknown totals ("NA") fall back to the estimate.
func ParseProgressLine(line string) (float64, bool) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !ok {
		return 0, false
	}
	parts := strings.Split(payload, "/")
	if len(parts) != 3 {
		return 0, false
	}
	downloaded, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, false
	}
	total, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || total <= 0 {
		total, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || total <= 0 {
			return 0, false
		}
	}
	fraction := downloaded / total
	return min(max(fraction, 0), 1), true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
