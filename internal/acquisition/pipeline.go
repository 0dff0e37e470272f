package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
	"storyhub/resolverservice/internal/objectstore"
	"storyhub/resolverservice/internal/telemetry"
)

const (
	maxCoverBytes = 5 << 20

	progressDownloadSpan = 85.0
	progressUploading    = 90.0
	progressCreating     = 95.0
	progressDone         = 100.0

	operationExtract  = "extract"
	operationDownload = "download"
)

var errAlreadyInCatalog = errors.New("already in catalog")

// processTrack runs one track from extraction to catalog record and returns
// the terminal status it reached. The track context is detached from
// shutdown so an in-flight upload or catalog write is never torn down
// halfway.
func (o *Orchestrator) processTrack(state *taskState, index int) domain.TrackStatus {
	snapshot := state.snapshot()
	track := snapshot.Tracks[index]
	request := snapshot.Request

	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.trackTimeout)
	defer cancel()
	ctx, span := telemetry.Tracer("acquisition").Start(ctx, "acquisition.track",
		trace.WithAttributes(
			attribute.String("task.id", snapshot.ID),
			attribute.Int("track.index", index),
			attribute.String("track.url", track.URL),
		))
	defer span.End()

	recordID, err := o.acquire(ctx, state, index, track, request)
	switch {
	case errors.Is(err, errAlreadyInCatalog):
		o.update(state, index, func(t *domain.TrackProgress) {
			t.Status = domain.TrackSkipped
			t.Error = err.Error()
			t.Progress = progressDone
		})
		o.persist(ctx, state)
		o.logger.Info("acquisition track skipped",
			slog.String("taskId", snapshot.ID),
			slog.Int("index", index),
			slog.String("url", track.URL),
		)
		return domain.TrackSkipped
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.update(state, index, func(t *domain.TrackProgress) {
			t.Status = domain.TrackFailed
			t.Error = err.Error()
		})
		o.persist(ctx, state)
		o.logger.Warn("acquisition track failed",
			slog.String("taskId", snapshot.ID),
			slog.Int("index", index),
			slog.String("url", track.URL),
			slog.String("error", err.Error()),
		)
		return domain.TrackFailed
	}

	o.update(state, index, func(t *domain.TrackProgress) {
		t.Status = domain.TrackCompleted
		t.Progress = progressDone
		t.ContentID = &recordID
	})
	o.persist(ctx, state)
	span.SetAttributes(attribute.Int64("content.id", recordID))
	o.logger.Info("acquisition track completed",
		slog.String("taskId", snapshot.ID),
		slog.Int("index", index),
		slog.Int64("contentId", recordID),
	)
	return domain.TrackCompleted
}

func (o *Orchestrator) acquire(ctx context.Context, state *taskState, index int, track domain.TrackProgress, request domain.AcquisitionRequest) (int64, error) {
	category := request.Category

	connector, err := o.deps.Connectors.ForURL(track.URL)
	if err != nil {
		return 0, err
	}
	if expander, ok := connector.(connectors.PlaylistExpander); ok && track.PlaylistURL == "" {
		startedAt := time.Now()
		entries, err := expander.Entries(ctx, track.URL)
		o.reportHealth(connector, operationExtract, track.URL, err, startedAt)
		if err != nil {
			return 0, err
		}
		if len(entries) > 1 {
			track = o.expandPlaylist(ctx, state, index, entries)
			if connector, err = o.deps.Connectors.ForURL(track.URL); err != nil {
				return 0, err
			}
		}
	}

	if track.Title != "" {
		if err := o.checkExisting(ctx, track.Title, category); err != nil {
			return 0, err
		}
	}

	startedAt := time.Now()
	info, err := connector.Extract(ctx, track.URL)
	o.reportHealth(connector, operationExtract, track.URL, err, startedAt)
	if err != nil {
		return 0, err
	}
	// The source title wins over the submitted one, which is only a label
	// for the queue.
	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = track.Title
	}
	if title == "" {
		return 0, fmt.Errorf("no title for %s", track.URL)
	}
	if title != track.Title {
		if err := o.checkExisting(ctx, title, category); err != nil {
			return 0, err
		}
	}

	o.update(state, index, func(t *domain.TrackProgress) {
		t.Title = title
		t.Status = domain.TrackDownloading
	})
	o.persist(ctx, state)

	workDir, err := os.MkdirTemp(o.workDir, "acquire-")
	if err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	startedAt = time.Now()
	downloaded, err := connector.Download(ctx, track.URL, workDir, func(fraction float64) {
		fraction = min(max(fraction, 0), 1)
		o.update(state, index, func(t *domain.TrackProgress) {
			t.Progress = fraction * progressDownloadSpan
		})
	})
	o.reportHealth(connector, operationDownload, track.URL, err, startedAt)
	if err != nil {
		return 0, err
	}

	mediaPath := downloaded
	duration := info.DurationSeconds
	if o.deps.Transcoder != nil {
		mediaPath, err = o.deps.Transcoder.ToM4A(ctx, downloaded)
		if err != nil {
			return 0, err
		}
		if probed, probeErr := o.deps.Transcoder.Duration(ctx, mediaPath); probeErr == nil && probed > 0 {
			duration = probed
		}
	}

	o.update(state, index, func(t *domain.TrackProgress) {
		t.Status = domain.TrackUploading
		t.Progress = progressUploading
	})
	o.persist(ctx, state)

	mediaKey := objectstore.MediaKey(category, info.SourceID, track.URL, title)
	if err := o.deps.Objects.PutFile(ctx, mediaKey, mediaPath, "audio/mp4"); err != nil {
		return 0, err
	}
	coverKey := o.uploadCover(ctx, mediaKey, info.Thumbnail)

	o.update(state, index, func(t *domain.TrackProgress) {
		t.Status = domain.TrackCreatingRecord
		t.Progress = progressCreating
	})
	o.persist(ctx, state)

	classification := request.Classification
	if strings.TrimSpace(classification.Artist) == "" {
		classification.Artist = firstNonEmpty(info.Artist, info.Uploader)
	}
	id, err := o.deps.Catalog.Create(ctx, domain.ContentRecord{
		Category:        category,
		Title:           title,
		StoragePath:     mediaKey,
		CoverPath:       coverKey,
		DurationSeconds: duration,
		SourceURL:       track.URL,
		Classification:  classification,
		Active:          true,
	})
	if err != nil {
		return 0, err
	}

	if o.deps.Index != nil && !o.deps.Index.Index(ctx, id, title, category) {
		o.logger.Debug("new record not indexed", slog.Int64("contentId", id))
	}
	return id, nil
}

// expandPlaylist turns the track at index into the first playlist entry and
// appends the remaining entries as new tracks. Entries whose URL is already
// a track of the task are dropped. Appended tracks start cancelled when a
// cancel was requested.
func (o *Orchestrator) expandPlaylist(ctx context.Context, state *taskState, index int, entries []domain.MediaInfo) domain.TrackProgress {
	state.mu.Lock()
	now := o.now().UTC()
	task := &state.task
	playlistURL := task.Tracks[index].URL
	seen := make(map[string]struct{}, len(task.Tracks)+len(entries))
	for _, existing := range task.Tracks {
		seen[existing.URL] = struct{}{}
	}

	first := &task.Tracks[index]
	first.URL = entries[0].URL
	first.Title = strings.TrimSpace(entries[0].Title)
	first.PlaylistURL = playlistURL
	first.UpdatedAt = now
	seen[first.URL] = struct{}{}

	added, cancelled := 0, 0
	for _, entry := range entries[1:] {
		if _, dup := seen[entry.URL]; dup {
			continue
		}
		seen[entry.URL] = struct{}{}
		status := domain.TrackPending
		if task.CancelRequested {
			status = domain.TrackCancelled
			cancelled++
		}
		task.Tracks = append(task.Tracks, domain.TrackProgress{
			Index:       len(task.Tracks),
			URL:         entry.URL,
			Title:       strings.TrimSpace(entry.Title),
			PlaylistURL: playlistURL,
			Status:      status,
			UpdatedAt:   now,
		})
		added++
	}
	task.UpdatedAt = now
	task.Recount()
	taskID, track := task.ID, task.Tracks[index]
	state.mu.Unlock()

	for range cancelled {
		metrics.TracksTotal.WithLabelValues(string(domain.TrackCancelled)).Inc()
	}
	if added > 0 {
		select {
		case state.grown <- struct{}{}:
		default:
		}
	}
	o.persist(ctx, state)
	o.logger.Info("acquisition playlist expanded",
		slog.String("taskId", taskID),
		slog.Int("index", index),
		slog.String("playlistUrl", playlistURL),
		slog.Int("entries", len(entries)),
		slog.Int("addedTracks", added),
	)
	return track
}

func (o *Orchestrator) reportHealth(connector connectors.Connector, operation, sourceURL string, err error, startedAt time.Time) {
	if o.deps.Health != nil {
		o.deps.Health.RecordAcquisition(connector.Name(), operation, sourceURL, err, time.Since(startedAt))
	}
}

func (o *Orchestrator) checkExisting(ctx context.Context, title string, category domain.Category) error {
	if !o.skipExisting || o.deps.Existence == nil {
		return nil
	}
	exists, err := o.deps.Existence.Exists(ctx, title, category)
	if err != nil {
		o.logger.Warn("catalog existence check failed", slog.String("title", title), slog.String("error", err.Error()))
		return nil
	}
	if exists {
		return errAlreadyInCatalog
	}
	return nil
}

// uploadCover stores the thumbnail next to the media. Any failure leaves the
// record without a cover.
func (o *Orchestrator) uploadCover(ctx context.Context, mediaKey, thumbnailURL string) string {
	if _, err := connectors.ParseSourceURL(thumbnailURL); err != nil {
		return ""
	}
	data, contentType, err := o.fetchCover(ctx, thumbnailURL)
	if err != nil {
		o.logger.Debug("cover download failed", slog.String("url", thumbnailURL), slog.String("error", err.Error()))
		return ""
	}
	key := objectstore.CoverKey(mediaKey, coverExtension(contentType))
	if err := o.deps.Objects.PutBytes(ctx, key, data, contentType); err != nil {
		o.logger.Debug("cover upload failed", slog.String("key", key), slog.String("error", err.Error()))
		return ""
	}
	return key
}

func (o *Orchestrator) fetchCover(ctx context.Context, thumbnailURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbnailURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("cover status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

func coverExtension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "jpg"
	}
	switch mediaType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}
