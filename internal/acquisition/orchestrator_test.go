package acquisition

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyhub/resolverservice/internal/catalog"
	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/objectstore"
	"storyhub/resolverservice/internal/resolve"
)

type fakeMedia struct {
	info  domain.MediaInfo
	block bool
	gate  chan struct{}
}

type fakeConnector struct {
	mu        sync.Mutex
	media     map[string]*fakeMedia
	playlists map[string][]string
	downloads map[string]int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		media:     make(map[string]*fakeMedia),
		playlists: make(map[string][]string),
		downloads: make(map[string]int),
	}
}

// addPlaylist registers a playlist of media already added with add.
func (c *fakeConnector) addPlaylist(url string, entries ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playlists[url] = entries
}

func (c *fakeConnector) add(url, sourceID, title string) *fakeMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &fakeMedia{info: domain.MediaInfo{Platform: "fake", URL: url, SourceID: sourceID, Title: title, DurationSeconds: 200}}
	c.media[url] = m
	return m
}

func (c *fakeConnector) get(url string) (*fakeMedia, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.media[url]
	return m, ok
}

func (c *fakeConnector) downloadCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads[url]
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) Info() domain.PlatformInfo {
	return domain.PlatformInfo{Name: "fake", Label: "Fake", Kind: "test", Enabled: true}
}

func (c *fakeConnector) Search(context.Context, domain.ConnectorQuery) ([]domain.MediaInfo, error) {
	return nil, nil
}

func (c *fakeConnector) Extract(_ context.Context, url string) (domain.MediaInfo, error) {
	m, ok := c.get(url)
	if !ok {
		return domain.MediaInfo{}, errors.New("ERROR: Unsupported URL: " + url)
	}
	return m.info, nil
}

func (c *fakeConnector) Entries(_ context.Context, url string) ([]domain.MediaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if urls, ok := c.playlists[url]; ok {
		entries := make([]domain.MediaInfo, 0, len(urls))
		for _, entry := range urls {
			entries = append(entries, domain.MediaInfo{Platform: "fake", URL: entry, Title: c.media[entry].info.Title})
		}
		return entries, nil
	}
	m, ok := c.media[url]
	if !ok {
		return nil, errors.New("ERROR: Unsupported URL: " + url)
	}
	return []domain.MediaInfo{m.info}, nil
}

func (c *fakeConnector) Download(ctx context.Context, url, dir string, progress connectors.ProgressFunc) (string, error) {
	c.mu.Lock()
	c.downloads[url]++
	m := c.media[url]
	c.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	progress(0.5)
	progress(1)
	path := filepath.Join(dir, m.info.SourceID+".webm")
	if err := os.WriteFile(path, []byte("audio:"+url), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *fakeConnector) Handles(string) bool { return true }

type recordingIndexer struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingIndexer) Index(_ context.Context, id int64, _ string, _ domain.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return true
}

type healthCall struct {
	platform, operation, url string
	failed                   bool
}

type recordingHealth struct {
	mu    sync.Mutex
	calls []healthCall
}

func (r *recordingHealth) RecordAcquisition(platform, operation, sourceURL string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, healthCall{platform: platform, operation: operation, url: sourceURL, failed: err != nil})
}

type fakeTranscoder struct{}

func (fakeTranscoder) ToM4A(_ context.Context, input string) (string, error) {
	out := strings.TrimSuffix(input, filepath.Ext(input)) + ".norm.m4a"
	return out, os.WriteFile(out, []byte("m4a"), 0o644)
}

func (fakeTranscoder) Duration(context.Context, string) (int, error) { return 321, nil }

type harness struct {
	conn    *fakeConnector
	catalog *catalog.MemoryStore
	objects *objectstore.MemoryStore
	indexer *recordingIndexer
	tasks   *MemoryTaskStore
	orch    *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConnector(),
		catalog: catalog.NewMemoryStore(),
		objects: objectstore.NewMemoryStore("http://minio.local/media"),
		indexer: &recordingIndexer{},
		tasks:   NewMemoryTaskStore(),
	}
	opts = append([]Option{WithWorkDir(t.TempDir())}, opts...)
	h.orch = New(Dependencies{
		Connectors: connectors.NewRegistry([]connectors.Connector{h.conn}),
		Catalog:    h.catalog,
		Objects:    h.objects,
		Existence:  resolve.NewCatalogMatcher(h.catalog, resolve.Config{}),
		Index:      h.indexer,
		Tasks:      h.tasks,
	}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

func waitTask(t *testing.T, o *Orchestrator, id string) domain.AcquisitionTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func waitTrackStatus(t *testing.T, o *Orchestrator, id string, index int, status domain.TrackStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := o.Get(context.Background(), id)
		return err == nil && task.Tracks[index].Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func items(urls ...string) []domain.AcquisitionItem {
	out := make([]domain.AcquisitionItem, len(urls))
	for i, url := range urls {
		out[i] = domain.AcquisitionItem{URL: url}
	}
	return out
}

func TestBatchWithOneTimedOutDownload(t *testing.T) {
	h := newHarness(t, WithTrackTimeout(150*time.Millisecond))
	h.conn.add("https://media.example/v/1", "v1", "丑小鸭")
	h.conn.add("https://media.example/v/2", "v2", "白雪公主").block = true
	h.conn.add("https://media.example/v/3", "v3", "三只小猪")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:    items("https://media.example/v/1", "https://media.example/v/2", "https://media.example/v/3"),
		Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	for _, track := range task.Tracks {
		assert.Equal(t, domain.TrackPending, track.Status)
	}

	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Equal(t, 3, final.TotalCount)

	assert.Equal(t, domain.TrackFailed, final.Tracks[1].Status)
	assert.Contains(t, final.Tracks[1].Error, context.DeadlineExceeded.Error())
	assert.Nil(t, final.Tracks[1].ContentID)
	for _, i := range []int{0, 2} {
		track := final.Tracks[i]
		require.NotNil(t, track.ContentID, "track %d", i)
		record, err := h.catalog.Get(context.Background(), *track.ContentID)
		require.NoError(t, err)
		assert.Equal(t, track.Title, record.Title)
		assert.Equal(t, domain.CategoryStory, record.Category)
		assert.True(t, strings.HasPrefix(record.StoragePath, "stories/"))
		_, stored := h.objects.Get(record.StoragePath)
		assert.True(t, stored)
		assert.Equal(t, float64(100), track.Progress)
	}
	assert.Len(t, h.indexer.ids, 2)

	persisted, err := h.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, persisted.Status)
}

func TestSourceTitleReplacesSubmittedTitle(t *testing.T) {
	h := newHarness(t)
	_, err := h.catalog.Create(context.Background(), domain.ContentRecord{Title: "白雪公主", Category: domain.CategoryStory})
	require.NoError(t, err)
	h.conn.add("https://media.example/v/1", "v1", "小红帽童话故事 (官方版)")
	h.conn.add("https://media.example/v/2", "v2", "白雪公主")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: []domain.AcquisitionItem{
			{URL: "https://media.example/v/1", Title: "operator typed title"},
			{URL: "https://media.example/v/2", Title: "snow white"},
		},
		Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	assert.Equal(t, "operator typed title", task.Tracks[0].Title)

	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, "小红帽童话故事 (官方版)", final.Tracks[0].Title)
	require.NotNil(t, final.Tracks[0].ContentID)
	record, err := h.catalog.Get(context.Background(), *final.Tracks[0].ContentID)
	require.NoError(t, err)
	assert.Equal(t, "小红帽童话故事 (官方版)", record.Title)

	assert.Equal(t, domain.TrackSkipped, final.Tracks[1].Status, "extracted title is already catalogued")
	assert.Zero(t, h.conn.downloadCount("https://media.example/v/2"))
}

func TestArtistFallsBackToSourceMetadata(t *testing.T) {
	h := newHarness(t)
	h.conn.add("https://media.example/v/1", "v1", "小燕子").info.Uploader = "凯叔讲故事"
	song := h.conn.add("https://media.example/v/2", "v2", "稻香")
	song.info.Artist = "周杰伦"
	song.info.Uploader = "JVR Music"
	h.conn.add("https://media.example/v/3", "v3", "虫儿飞").info.Uploader = "someone"

	auto, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1", "https://media.example/v/2"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
	explicit, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:          items("https://media.example/v/3"),
		Category:       domain.CategoryMusic,
		Classification: domain.Classification{Artist: "童声合唱团"},
	})
	require.NoError(t, err)

	artistOf := func(track domain.TrackProgress) string {
		require.NotNil(t, track.ContentID)
		record, err := h.catalog.Get(context.Background(), *track.ContentID)
		require.NoError(t, err)
		return record.Classification.Artist
	}
	final := waitTask(t, h.orch, auto.ID)
	assert.Equal(t, "凯叔讲故事", artistOf(final.Tracks[0]))
	assert.Equal(t, "周杰伦", artistOf(final.Tracks[1]))
	final = waitTask(t, h.orch, explicit.ID)
	assert.Equal(t, "童声合唱团", artistOf(final.Tracks[0]))
}

// ---- Playlists -------------------------------------------------------------

func TestPlaylistExpandsIntoTracks(t *testing.T) {
	h := newHarness(t)
	h.conn.add("https://media.example/v/e1", "e1", "小红帽")
	h.conn.add("https://media.example/v/e2", "e2", "三只小猪")
	h.conn.add("https://media.example/v/e3", "e3", "丑小鸭")
	h.conn.addPlaylist("https://media.example/list/bedtime",
		"https://media.example/v/e1", "https://media.example/v/e2", "https://media.example/v/e3")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: []domain.AcquisitionItem{
			{URL: "https://media.example/list/bedtime", Title: "睡前故事合集"},
			{URL: "https://media.example/v/e3"},
		},
		Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, task.TotalCount)

	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	require.Equal(t, 3, final.TotalCount, "duplicate playlist entry dropped")
	assert.Equal(t, 3, final.CompletedCount)

	want := []struct{ url, title, playlist string }{
		{"https://media.example/v/e1", "小红帽", "https://media.example/list/bedtime"},
		{"https://media.example/v/e3", "丑小鸭", ""},
		{"https://media.example/v/e2", "三只小猪", "https://media.example/list/bedtime"},
	}
	for i, w := range want {
		track := final.Tracks[i]
		assert.Equal(t, i, track.Index)
		assert.Equal(t, w.url, track.URL)
		assert.Equal(t, w.title, track.Title)
		assert.Equal(t, w.playlist, track.PlaylistURL)
		require.NotNil(t, track.ContentID)
		record, err := h.catalog.Get(context.Background(), *track.ContentID)
		require.NoError(t, err)
		assert.Equal(t, w.url, record.SourceURL)
	}
	assert.Len(t, h.indexer.ids, 3)
	assert.Equal(t, 1, h.conn.downloadCount("https://media.example/v/e3"))

	persisted, err := h.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, persisted.TotalCount)
	assert.Equal(t, "https://media.example/list/bedtime", persisted.Tracks[2].PlaylistURL)
}

func TestCancelDuringPlaylistStopsAppendedTracks(t *testing.T) {
	h := newHarness(t, WithWorkers(1))
	gate := make(chan struct{})
	h.conn.add("https://media.example/v/e1", "e1", "龟兔赛跑").gate = gate
	h.conn.add("https://media.example/v/e2", "e2", "狼来了")
	h.conn.add("https://media.example/v/e3", "e3", "小蝌蚪找妈妈")
	h.conn.addPlaylist("https://media.example/list/fables",
		"https://media.example/v/e1", "https://media.example/v/e2", "https://media.example/v/e3")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/list/fables"), Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	waitTrackStatus(t, h.orch, task.ID, 0, domain.TrackDownloading)

	snapshot, err := h.orch.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.TotalCount)
	assert.Equal(t, 2, snapshot.CancelledCount)

	close(gate)
	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskCancelled, final.Status)
	assert.Equal(t, 1, final.CompletedCount)
	assert.Equal(t, 2, final.CancelledCount)
	assert.Zero(t, h.conn.downloadCount("https://media.example/v/e2"))
	assert.Zero(t, h.conn.downloadCount("https://media.example/v/e3"))
}

func TestFinishedTasksLeaveMemoryAfterRetention(t *testing.T) {
	h := newHarness(t, WithRetention(time.Hour))
	var clockMu sync.Mutex
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(d)
	}
	h.conn.add("https://media.example/v/1", "v1", "拔萝卜")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1"), Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	waitTask(t, h.orch, task.ID)

	_, err = h.orch.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h.orch.lookup(task.ID), "within retention")

	advance(2 * time.Hour)
	list, err := h.orch.List(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.orch.lookup(task.ID))
	require.Len(t, list, 1)
	assert.Equal(t, task.ID, list[0].ID)

	got, err := h.orch.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	_, err = h.orch.Cancel(context.Background(), task.ID)
	require.ErrorIs(t, err, domain.ErrTaskFinished)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:    items("not a url", "ftp://host/file", ""),
		Category: domain.CategoryMusic,
	})
	require.ErrorIs(t, err, domain.ErrNoValidURLs)

	_, err = h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:    items("https://media.example/v/1"),
		Category: "podcast",
	})
	require.ErrorIs(t, err, domain.ErrInvalidCategory)

	tasks, err := h.orch.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSubmitDropsInvalidAndDuplicateURLs(t *testing.T) {
	h := newHarness(t)
	h.conn.add("https://media.example/v/1", "v1", "小星星")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:    items("https://media.example/v/1", "bogus", " https://media.example/v/1 "),
		Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, task.TotalCount)
	waitTask(t, h.orch, task.ID)
}

func TestCancelLetsInFlightTrackFinish(t *testing.T) {
	h := newHarness(t, WithWorkers(1))
	gate := make(chan struct{})
	h.conn.add("https://media.example/v/1", "v1", "海的女儿").gate = gate
	h.conn.add("https://media.example/v/2", "v2", "龟兔赛跑")
	h.conn.add("https://media.example/v/3", "v3", "狼来了")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:    items("https://media.example/v/1", "https://media.example/v/2", "https://media.example/v/3"),
		Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	waitTrackStatus(t, h.orch, task.ID, 0, domain.TrackDownloading)

	snapshot, err := h.orch.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, snapshot.CancelRequested)
	assert.Equal(t, domain.TaskDownloading, snapshot.Status)
	assert.Equal(t, 2, snapshot.CancelledCount)

	close(gate)
	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskCancelled, final.Status)
	assert.Equal(t, 1, final.CompletedCount)
	assert.Equal(t, 2, final.CancelledCount)
	assert.Equal(t, 0, h.conn.downloadCount("https://media.example/v/2"))
	assert.Equal(t, 0, h.conn.downloadCount("https://media.example/v/3"))

	_, err = h.orch.Cancel(context.Background(), task.ID)
	require.ErrorIs(t, err, domain.ErrTaskFinished)
}

func TestCancelBeforeAnyTrackStarts(t *testing.T) {
	h := newHarness(t, WithWorkers(1))
	gate := make(chan struct{})
	defer close(gate)
	h.conn.add("https://media.example/v/busy", "busy", "占位").gate = gate
	h.conn.add("https://media.example/v/1", "v1", "葫芦娃")

	busy, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/busy"), Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	waitTrackStatus(t, h.orch, busy.ID, 0, domain.TrackDownloading)

	queued, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1"), Category: domain.CategoryStory,
	})
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	assert.Zero(t, cancelled.CompletedCount)
	assert.Zero(t, cancelled.FailedCount)
	assert.Equal(t, 1, cancelled.CancelledCount)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExistingTitleIsSkipped(t *testing.T) {
	h := newHarness(t)
	_, err := h.catalog.Create(context.Background(), domain.ContentRecord{Title: "小红帽", Category: domain.CategoryStory})
	require.NoError(t, err)
	h.conn.add("https://media.example/v/1", "v1", "小红帽")
	h.conn.add("https://media.example/v/2", "v2", "Little Red Riding Hood")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: []domain.AcquisitionItem{
			{URL: "https://media.example/v/1"},
			{URL: "https://media.example/v/2", Title: "小红帽!"},
		},
		Category: domain.CategoryStory,
	})
	require.NoError(t, err)

	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskCompleted, final.Status)
	assert.Equal(t, 2, final.SkippedCount)
	assert.Zero(t, h.conn.downloadCount("https://media.example/v/1"))
	assert.Zero(t, h.conn.downloadCount("https://media.example/v/2"))
}

func TestSkipPolicyDisabled(t *testing.T) {
	h := newHarness(t, WithSkipExisting(false))
	_, err := h.catalog.Create(context.Background(), domain.ContentRecord{Title: "小红帽", Category: domain.CategoryStory})
	require.NoError(t, err)
	h.conn.add("https://media.example/v/1", "v1", "小红帽")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1"), Category: domain.CategoryStory,
	})
	require.NoError(t, err)
	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, 1, final.CompletedCount)
}

func TestExtractFailureIsCapturedVerbatim(t *testing.T) {
	h := newHarness(t)
	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/gone"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
	final := waitTask(t, h.orch, task.ID)
	assert.Equal(t, domain.TaskFailed, final.Status)
	assert.Equal(t, "ERROR: Unsupported URL: https://media.example/gone", final.Tracks[0].Error)
}

func TestPlatformCallsAreReportedToHealth(t *testing.T) {
	h := newHarness(t)
	health := &recordingHealth{}
	h.orch.deps.Health = health
	h.conn.add("https://media.example/v/1", "v1", "小兔子乖乖")

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1", "https://media.example/gone"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
	waitTask(t, h.orch, task.ID)

	health.mu.Lock()
	defer health.mu.Unlock()
	assert.ElementsMatch(t, []healthCall{
		{platform: "fake", operation: "extract", url: "https://media.example/v/1"},
		{platform: "fake", operation: "extract", url: "https://media.example/v/1"},
		{platform: "fake", operation: "download", url: "https://media.example/v/1"},
		{platform: "fake", operation: "extract", url: "https://media.example/gone", failed: true},
	}, health.calls)
}

func TestActiveTaskLimit(t *testing.T) {
	h := newHarness(t, WithMaxActiveTasks(1))
	gate := make(chan struct{})
	h.conn.add("https://media.example/v/1", "v1", "a").gate = gate
	h.conn.add("https://media.example/v/2", "v2", "b")

	first, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/2"), Category: domain.CategoryMusic,
	})
	require.ErrorIs(t, err, domain.ErrTooManyActiveTasks)

	close(gate)
	waitTask(t, h.orch, first.ID)
	_, err = h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/2"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
}

func TestTranscodeAndCoverUpload(t *testing.T) {
	cover := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	}))
	defer cover.Close()

	h := newHarness(t)
	h.orch.deps.Transcoder = fakeTranscoder{}
	h.conn.add("https://media.example/v/1", "abc123", "两只老虎").info.Thumbnail = cover.URL + "/thumb"

	task, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items:          items("https://media.example/v/1"),
		Category:       domain.CategoryMusic,
		Classification: domain.Classification{Artist: "儿歌合集", TagIDs: []int64{4, 7}},
	})
	require.NoError(t, err)
	final := waitTask(t, h.orch, task.ID)
	require.NotNil(t, final.Tracks[0].ContentID)

	record, err := h.catalog.Get(context.Background(), *final.Tracks[0].ContentID)
	require.NoError(t, err)
	assert.Equal(t, "music/abc123.m4a", record.StoragePath)
	assert.Equal(t, "covers/abc123.png", record.CoverPath)
	assert.Equal(t, 321, record.DurationSeconds)
	assert.Equal(t, "儿歌合集", record.Classification.Artist)
	assert.Equal(t, []int64{4, 7}, record.Classification.TagIDs)

	media, ok := h.objects.Get("music/abc123.m4a")
	require.True(t, ok)
	assert.Equal(t, "m4a", string(media.Data))
	assert.Equal(t, "audio/mp4", media.ContentType)
}

func TestListOrdersUnfinishedFirst(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.conn.add("https://media.example/v/1", "v1", "a")
	h.conn.add("https://media.example/v/2", "v2", "b").gate = gate

	done, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/1"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)
	waitTask(t, h.orch, done.ID)

	running, err := h.orch.Submit(context.Background(), domain.AcquisitionRequest{
		Items: items("https://media.example/v/2"), Category: domain.CategoryMusic,
	})
	require.NoError(t, err)

	old := domain.AcquisitionTask{ID: "old", Status: domain.TaskFailed, CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, h.tasks.Save(context.Background(), old))

	list, err := h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, running.ID, list[0].ID)
	assert.Equal(t, done.ID, list[1].ID)
	assert.Equal(t, "old", list[2].ID)

	got, err := h.orch.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestRecoverInterruptedTasks(t *testing.T) {
	h := newHarness(t)
	interrupted := domain.AcquisitionTask{
		ID:      "interrupted",
		Request: domain.AcquisitionRequest{Category: domain.CategoryMusic},
		Tracks: []domain.TrackProgress{
			{Index: 0, Status: domain.TrackCompleted},
			{Index: 1, Status: domain.TrackDownloading},
			{Index: 2, Status: domain.TrackPending},
		},
	}
	interrupted.Recount()
	require.NoError(t, h.tasks.Save(context.Background(), interrupted))

	n, err := h.orch.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := h.orch.Get(context.Background(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.FailedCount)
	assert.Equal(t, "interrupted by restart", task.Tracks[1].Error)

	n, err = h.orch.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeSearcher struct {
	response domain.SearchResponse
}

func (s fakeSearcher) Search(context.Context, domain.SearchRequest) (domain.SearchResponse, error) {
	return s.response, nil
}

func TestAcquireBestSkipsCatalogMatches(t *testing.T) {
	h := newHarness(t)
	h.conn.add("https://media.example/v/2", "v2", "小猪佩奇 第二集")
	h.orch.deps.Searcher = fakeSearcher{response: domain.SearchResponse{
		PlatformsSearched: []string{"fake"},
		Results: []domain.SearchResultItem{
			{URL: "https://media.example/v/1", Title: "小猪佩奇", ExistsInDB: true, QualityScore: 90},
			{URL: "https://media.example/v/2", Title: "小猪佩奇 第二集", QualityScore: 80},
		},
	}}

	task, err := h.orch.AcquireBest(context.Background(), "小猪佩奇", domain.CategoryStory)
	require.NoError(t, err)
	require.Len(t, task.Tracks, 1)
	assert.Equal(t, "https://media.example/v/2", task.Tracks[0].URL)
	waitTask(t, h.orch, task.ID)
}

func TestAcquireBestWithoutPlatforms(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Searcher = fakeSearcher{}
	_, err := h.orch.AcquireBest(context.Background(), "小猪佩奇", domain.CategoryStory)
	require.ErrorIs(t, err, domain.ErrNoPlatforms)

	h.orch.deps.Searcher = fakeSearcher{response: domain.SearchResponse{
		PlatformsSearched: []string{"fake"},
		Results:           []domain.SearchResultItem{{URL: "https://media.example/v/1", ExistsInDB: true}},
	}}
	_, err = h.orch.AcquireBest(context.Background(), "小猪佩奇", domain.CategoryStory)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
