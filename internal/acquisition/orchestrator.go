// Package acquisition downloads media from platform URLs into object storage
// and the catalog, tracking each submission as a pollable task.
package acquisition

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
	"storyhub/resolverservice/internal/objectstore"
)

const (
	DefaultWorkers        = 3
	DefaultMaxActiveTasks = 3
	DefaultTrackTimeout   = 15 * time.Minute
	DefaultRetention      = 24 * time.Hour
	listLimit             = 50
	persistTimeout        = 5 * time.Second
)

// ConnectorResolver finds the connector that owns a source URL.
type ConnectorResolver interface {
	ForURL(sourceURL string) (connectors.Connector, error)
}

type Catalog interface {
	Create(ctx context.Context, record domain.ContentRecord) (int64, error)
}

type ExistenceChecker interface {
	Exists(ctx context.Context, title string, category domain.Category) (bool, error)
}

type Indexer interface {
	Index(ctx context.Context, id int64, title string, category domain.Category) bool
}

type Transcoder interface {
	ToM4A(ctx context.Context, inputPath string) (string, error)
	Duration(ctx context.Context, path string) (int, error)
}

type Searcher interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
}

// HealthReporter receives the outcome of platform calls made while
// acquiring, so search can back off a platform that is refusing downloads.
type HealthReporter interface {
	RecordAcquisition(platform, operation, sourceURL string, err error, latency time.Duration)
}

// Dependencies wires the orchestrator to its collaborators. Connectors,
// Catalog and Objects are required; the rest may be nil.
type Dependencies struct {
	Connectors ConnectorResolver
	Catalog    Catalog
	Objects    objectstore.Store
	Transcoder Transcoder
	Existence  ExistenceChecker
	Index      Indexer
	Searcher   Searcher
	Health     HealthReporter
	Tasks      TaskStore
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workerLimit = n
		}
	}
}

func WithMaxActiveTasks(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxActive = n
		}
	}
}

func WithTrackTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.trackTimeout = d
		}
	}
}

// WithRetention sets how long a finished task stays in memory. Older tasks
// are served from the task store.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retention = d
		}
	}
}

func WithSkipExisting(skip bool) Option {
	return func(o *Orchestrator) {
		o.skipExisting = skip
	}
}

func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(dir) != "" {
			o.workDir = dir
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) {
		if client != nil {
			o.httpClient = client
		}
	}
}

type taskState struct {
	mu         sync.Mutex
	persistMu  sync.Mutex
	task       domain.AcquisitionTask
	finishedAt time.Time
	// grown is signalled when tracks are appended while the task runs.
	grown chan struct{}
	done  chan struct{}
}

type Orchestrator struct {
	deps         Dependencies
	logger       *slog.Logger
	workerLimit  int
	maxActive    int
	trackTimeout time.Duration
	retention    time.Duration
	skipExisting bool
	workDir      string
	httpClient   *http.Client
	now          func() time.Time

	workers *semaphore.Weighted
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskState
}

func New(deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:         deps,
		logger:       slog.Default(),
		workerLimit:  DefaultWorkers,
		maxActive:    DefaultMaxActiveTasks,
		trackTimeout: DefaultTrackTimeout,
		retention:    DefaultRetention,
		skipExisting: true,
		workDir:      os.TempDir(),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now:   time.Now,
		tasks: make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.deps.Tasks == nil {
		o.deps.Tasks = NewMemoryTaskStore()
	}
	o.workers = semaphore.NewWeighted(int64(o.workerLimit))
	o.ctx, o.stop = context.WithCancel(context.Background())
	return o
}

// Submit validates the request, records a task with every track pending and
// starts processing in the background.
func (o *Orchestrator) Submit(ctx context.Context, request domain.AcquisitionRequest) (domain.AcquisitionTask, error) {
	if !request.Category.Valid() {
		return domain.AcquisitionTask{}, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, request.Category)
	}
	items := validItems(request.Items)
	if len(items) == 0 {
		return domain.AcquisitionTask{}, domain.ErrNoValidURLs
	}
	request.Items = items
	request.Classification.TagIDs = append([]int64(nil), request.Classification.TagIDs...)

	now := o.now().UTC()
	task := domain.AcquisitionTask{
		ID:        uuid.NewString(),
		Request:   request,
		Status:    domain.TaskPending,
		Tracks:    make([]domain.TrackProgress, len(items)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, item := range items {
		task.Tracks[i] = domain.TrackProgress{
			Index:     i,
			URL:       item.URL,
			Title:     item.Title,
			Status:    domain.TrackPending,
			UpdatedAt: now,
		}
	}
	task.Recount()

	state := &taskState{task: task, grown: make(chan struct{}, 1), done: make(chan struct{})}

	o.mu.Lock()
	o.pruneLocked()
	if o.activeTasksLocked() >= o.maxActive {
		o.mu.Unlock()
		return domain.AcquisitionTask{}, domain.ErrTooManyActiveTasks
	}
	o.tasks[task.ID] = state
	o.mu.Unlock()

	o.persist(ctx, state)
	o.logger.Info("acquisition task submitted",
		slog.String("taskId", task.ID),
		slog.String("category", string(request.Category)),
		slog.Int("tracks", len(items)),
	)

	o.wg.Add(1)
	go o.run(state)
	return task.Clone(), nil
}

func validItems(raw []domain.AcquisitionItem) []domain.AcquisitionItem {
	out := make([]domain.AcquisitionItem, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		item.URL = strings.TrimSpace(item.URL)
		item.Title = strings.TrimSpace(item.Title)
		if _, err := connectors.ParseSourceURL(item.URL); err != nil {
			continue
		}
		if _, dup := seen[item.URL]; dup {
			continue
		}
		seen[item.URL] = struct{}{}
		out = append(out, item)
	}
	return out
}

// pruneLocked drops finished tasks older than the retention window. Their
// final snapshot is already in the task store.
func (o *Orchestrator) pruneLocked() {
	cutoff := o.now().Add(-o.retention)
	for id, state := range o.tasks {
		state.mu.Lock()
		expired := !state.finishedAt.IsZero() && state.finishedAt.Before(cutoff)
		state.mu.Unlock()
		if expired {
			delete(o.tasks, id)
		}
	}
}

func (o *Orchestrator) activeTasksLocked() int {
	active := 0
	for _, state := range o.tasks {
		state.mu.Lock()
		if !state.task.Status.Terminal() {
			active++
		}
		state.mu.Unlock()
	}
	return active
}

func (o *Orchestrator) Get(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	if state := o.lookup(id); state != nil {
		return state.snapshot(), nil
	}
	return o.deps.Tasks.Get(ctx, id)
}

// List returns unfinished tasks first, then the newest, capped at 50.
func (o *Orchestrator) List(ctx context.Context) ([]domain.AcquisitionTask, error) {
	byID := make(map[string]domain.AcquisitionTask)
	stored, err := o.deps.Tasks.List(ctx, listLimit)
	if err != nil {
		o.logger.Warn("task history unavailable", slog.String("error", err.Error()))
	}
	for _, task := range stored {
		byID[task.ID] = task
	}

	o.mu.Lock()
	o.pruneLocked()
	live := make([]*taskState, 0, len(o.tasks))
	for _, state := range o.tasks {
		live = append(live, state)
	}
	o.mu.Unlock()
	for _, state := range live {
		task := state.snapshot()
		byID[task.ID] = task
	}

	out := make([]domain.AcquisitionTask, 0, len(byID))
	for _, task := range byID {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.Status.Terminal() != right.Status.Terminal() {
			return !left.Status.Terminal()
		}
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		return left.ID < right.ID
	})
	if len(out) > listLimit {
		out = out[:listLimit]
	}
	return out, nil
}

// Cancel moves every pending track to cancelled. Tracks already in flight
// run to completion; the task turns cancelled once they finish. Cancelling a
// finished task returns ErrTaskFinished.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	state := o.lookup(id)
	if state == nil {
		if _, err := o.deps.Tasks.Get(ctx, id); err != nil {
			return domain.AcquisitionTask{}, err
		}
		return domain.AcquisitionTask{}, domain.ErrTaskFinished
	}

	state.mu.Lock()
	if state.task.Status.Terminal() {
		state.mu.Unlock()
		return domain.AcquisitionTask{}, domain.ErrTaskFinished
	}
	now := o.now().UTC()
	state.task.CancelRequested = true
	cancelled := 0
	for i := range state.task.Tracks {
		track := &state.task.Tracks[i]
		if track.Status == domain.TrackPending {
			track.Status = domain.TrackCancelled
			track.UpdatedAt = now
			cancelled++
		}
	}
	state.task.UpdatedAt = now
	state.task.Recount()
	snapshot := state.task.Clone()
	state.mu.Unlock()

	for range cancelled {
		metrics.TracksTotal.WithLabelValues(string(domain.TrackCancelled)).Inc()
	}
	o.persist(ctx, state)
	o.logger.Info("acquisition task cancel requested",
		slog.String("taskId", id),
		slog.Int("cancelledTracks", cancelled),
		slog.String("status", string(snapshot.Status)),
	)
	return snapshot, nil
}

// Wait blocks until the task has no track left to process.
func (o *Orchestrator) Wait(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	state := o.lookup(id)
	if state == nil {
		return o.deps.Tasks.Get(ctx, id)
	}
	select {
	case <-state.done:
		return state.snapshot(), nil
	case <-ctx.Done():
		return state.snapshot(), ctx.Err()
	}
}

// RecoverInterrupted fails the unfinished tracks of persisted tasks that no
// worker owns, which only happens after a restart.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stored, err := o.deps.Tasks.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list task history: %w", err)
	}
	recovered := 0
	for _, task := range stored {
		if task.Status.Terminal() || o.lookup(task.ID) != nil {
			continue
		}
		now := o.now().UTC()
		for i := range task.Tracks {
			if !task.Tracks[i].Status.Terminal() {
				task.Tracks[i].Status = domain.TrackFailed
				task.Tracks[i].Error = "interrupted by restart"
				task.Tracks[i].UpdatedAt = now
			}
		}
		task.Error = "interrupted by restart"
		task.UpdatedAt = now
		task.Recount()
		if err := o.deps.Tasks.Save(ctx, task); err != nil {
			return recovered, fmt.Errorf("save recovered task %s: %w", task.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		o.logger.Warn("interrupted acquisition tasks marked failed", slog.Int("tasks", recovered))
	}
	return recovered, nil
}

// Close stops handing tracks to workers and waits for in-flight tracks.
// Tracks that never started are failed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id string) *taskState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id]
}

func (s *taskState) snapshot() domain.AcquisitionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

// update applies fn to the track at index under the task lock and
// recomputes the aggregate status.
func (o *Orchestrator) update(state *taskState, index int, fn func(track *domain.TrackProgress)) domain.AcquisitionTask {
	state.mu.Lock()
	defer state.mu.Unlock()
	now := o.now().UTC()
	track := &state.task.Tracks[index]
	fn(track)
	track.UpdatedAt = now
	state.task.UpdatedAt = now
	state.task.Recount()
	return state.task.Clone()
}

// persist writes the latest snapshot. persistMu keeps an older snapshot
// from overwriting a newer one.
func (o *Orchestrator) persist(ctx context.Context, state *taskState) {
	state.persistMu.Lock()
	defer state.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	task := state.snapshot()
	if err := o.deps.Tasks.Save(ctx, task); err != nil {
		o.logger.Warn("task snapshot save failed", slog.String("taskId", task.ID), slog.String("error", err.Error()))
	}
}

// run hands tracks to workers in submission order, including tracks a
// playlist expansion appends while the task runs. A worker slot is taken
// before a track goroutine starts, so a cancel always catches every track
// still waiting for a slot.
func (o *Orchestrator) run(state *taskState) {
	defer o.wg.Done()

	finished := make(chan struct{})
	running, next := 0, 0
	for {
		for ; next < state.trackCount(); next++ {
			index := next
			if !state.trackPending(index) {
				continue
			}
			if err := o.workers.Acquire(o.ctx, 1); err != nil {
				o.update(state, index, func(track *domain.TrackProgress) {
					if track.Status == domain.TrackPending {
						track.Status = domain.TrackFailed
						track.Error = "acquisition service shutting down"
					}
				})
				continue
			}
			running++
			go func() {
				o.runTrack(state, index)
				o.workers.Release(1)
				finished <- struct{}{}
			}()
		}
		if running == 0 {
			break
		}
		select {
		case <-finished:
			running--
		case <-state.grown:
		}
	}

	state.mu.Lock()
	state.finishedAt = o.now()
	final := state.task.Clone()
	state.mu.Unlock()
	o.persist(o.ctx, state)
	close(state.done)
	o.logger.Info("acquisition task finished",
		slog.String("taskId", final.ID),
		slog.String("status", string(final.Status)),
		slog.Int("tracks", final.TotalCount),
		slog.Int("completed", final.CompletedCount),
		slog.Int("failed", final.FailedCount),
		slog.Int("skipped", final.SkippedCount),
		slog.Int("cancelled", final.CancelledCount),
	)
}

func (s *taskState) trackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.task.Tracks)
}

func (s *taskState) trackPending(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Tracks[index].Status == domain.TrackPending
}

func (o *Orchestrator) runTrack(state *taskState, index int) {
	// The cancel flag is consulted under the task lock so a track is either
	// cancelled or started, never both.
	started := false
	o.update(state, index, func(track *domain.TrackProgress) {
		if track.Status == domain.TrackPending {
			track.Status = domain.TrackExtractingInfo
			started = true
		}
	})
	if !started {
		return
	}
	o.persist(o.ctx, state)

	metrics.ActiveTracks.Inc()
	startedAt := time.Now()
	status := o.processTrack(state, index)
	metrics.ActiveTracks.Dec()
	metrics.TrackDuration.Observe(time.Since(startedAt).Seconds())
	metrics.TracksTotal.WithLabelValues(string(status)).Inc()
}
