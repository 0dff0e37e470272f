// Package transcode normalizes downloaded audio to AAC in an m4a container
// and probes its duration.
package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

var commandContext = exec.CommandContext

const DefaultBitrate = "256k"

type Option func(*Transcoder)

func WithFFmpeg(binary string) Option {
	return func(t *Transcoder) {
		if strings.TrimSpace(binary) != "" {
			t.ffmpeg = strings.TrimSpace(binary)
		}
	}
}

func WithFFprobe(binary string) Option {
	return func(t *Transcoder) {
		if strings.TrimSpace(binary) != "" {
			t.ffprobe = strings.TrimSpace(binary)
		}
	}
}

func WithBitrate(bitrate string) Option {
	return func(t *Transcoder) {
		if strings.TrimSpace(bitrate) != "" {
			t.bitrate = strings.TrimSpace(bitrate)
		}
	}
}

type Transcoder struct {
	ffmpeg  string
	ffprobe string
	bitrate string
}

func New(opts ...Option) *Transcoder {
	t := &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe", bitrate: DefaultBitrate}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ToM4A re-encodes inputPath to AAC next to it and returns the new path.
// Video streams and embedded artwork are dropped.
func (t *Transcoder) ToM4A(ctx context.Context, inputPath string) (string, error) {
	inputPath = strings.TrimSpace(inputPath)
	if inputPath == "" {
		return "", errors.New("input path required")
	}
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	outputPath := filepath.Join(filepath.Dir(inputPath), stem+".norm.m4a")

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-vn", "-map", "0:a:0",
		"-c:a", "aac", "-b:a", t.bitrate,
		"-movflags", "+faststart",
		outputPath,
	}
	cmd := commandContext(ctx, t.ffmpeg, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("ffmpeg transcode: %w: %s", err, strings.TrimSpace(string(output)))
	}
	if info, err := os.Stat(outputPath); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("ffmpeg transcode: no output at %s", outputPath)
	}
	return outputPath, nil
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the container duration rounded to whole seconds.
func (t *Transcoder) Duration(ctx context.Context, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, errors.New("ffprobe: empty path")
	}
	cmd := commandContext(ctx, t.ffprobe, "-v", "error", "-hide_banner", "-show_format", "-of", "json", "--", path) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(result.Format.Duration), 64)
	if err != nil || math.IsNaN(seconds) || seconds < 0 {
		return 0, fmt.Errorf("ffprobe: no duration for %s", path)
	}
	return int(math.Round(seconds)), nil
}
