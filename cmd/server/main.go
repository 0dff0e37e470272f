package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"storyhub/resolverservice/internal/acquisition"
	apihttp "storyhub/resolverservice/internal/api/http"
	"storyhub/resolverservice/internal/app"
	"storyhub/resolverservice/internal/catalog"
	"storyhub/resolverservice/internal/connectors"
	"storyhub/resolverservice/internal/connectors/youtube"
	"storyhub/resolverservice/internal/connectors/ytdlp"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
	"storyhub/resolverservice/internal/objectstore"
	"storyhub/resolverservice/internal/resolve"
	"storyhub/resolverservice/internal/search"
	"storyhub/resolverservice/internal/semantic"
	"storyhub/resolverservice/internal/semantic/ollama"
	"storyhub/resolverservice/internal/semantic/openai"
	"storyhub/resolverservice/internal/telemetry"
	"storyhub/resolverservice/internal/transcode"
)

const embeddingCacheTTL = 7 * 24 * time.Hour

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	tuning, err := app.LoadTuning(cfg.TuningFile, cfg.Tuning)
	if err != nil {
		logger.Warn("tuning file ignored", slog.String("path", cfg.TuningFile), slog.String("error", err.Error()))
	}
	cfg.Tuning = tuning

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", telemetry.ServiceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasPostgres", strings.TrimSpace(cfg.PostgresDSN) != ""),
		slog.Bool("hasMongo", strings.TrimSpace(cfg.MongoURI) != ""),
		slog.Bool("hasMinio", strings.TrimSpace(cfg.MinIOEndpoint) != ""),
		slog.Bool("hasYouTubeKey", cfg.YouTubeAPIKey != ""),
		slog.String("embeddingProvider", cfg.EmbeddingProvider),
		slog.String("embeddingModel", cfg.EmbeddingModel),
		slog.Float64("fuzzyFloor", cfg.Tuning.FuzzyFloor),
		slog.Float64("semanticFloor", cfg.Tuning.SemanticFloor),
		slog.Int("workers", cfg.Tuning.WorkerLimit),
		slog.Duration("cacheTTL", cfg.CacheTTL),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := buildRedisClient(rootCtx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, closeCatalog := buildCatalog(rootCtx, cfg, logger)
	defer closeCatalog()

	index, closeIndex := buildSemanticIndex(rootCtx, cfg, redisClient, logger)
	defer closeIndex()

	objects := buildObjectStore(rootCtx, cfg, logger)

	tasks, closeTasks := buildTaskStore(rootCtx, cfg, logger)
	defer closeTasks()

	registry := buildRegistry(rootCtx, cfg, logger)
	transcoder := transcode.New(
		transcode.WithFFmpeg(cfg.FFmpegBinary),
		transcode.WithFFprobe(cfg.FFprobeBinary),
	)

	resolveCfg := resolve.Config{FuzzyFloor: cfg.Tuning.FuzzyFloor}
	matcher := resolve.NewCatalogMatcher(store, resolveCfg, resolve.WithLogger(logger))
	cascade := resolve.NewDefault(store, index, resolveCfg, resolve.WithLogger(logger))
	lifecycle := catalog.NewLifecycle(store, index, logger)

	searchService := search.NewService(registry, cfg.RequestTimeout,
		buildServiceOptions(cfg, redisClient, matcher, logger)...)

	orchestrator := acquisition.New(acquisition.Dependencies{
		Connectors: registry,
		Catalog:    store,
		Objects:    objects,
		Transcoder: transcoder,
		Existence:  matcher,
		Index:      index,
		Searcher:   searchService,
		Health:     searchService,
		Tasks:      tasks,
	},
		acquisition.WithLogger(logger),
		acquisition.WithWorkers(cfg.Tuning.WorkerLimit),
		acquisition.WithMaxActiveTasks(cfg.MaxActiveTasks),
		acquisition.WithTrackTimeout(cfg.TaskTimeout),
		acquisition.WithRetention(cfg.TaskRetention),
		acquisition.WithSkipExisting(cfg.Tuning.SkipExisting),
		acquisition.WithWorkDir(cfg.WorkDir),
		acquisition.WithHTTPClient(&http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(userAgentTransport{agent: cfg.UserAgent, base: http.DefaultTransport}),
		}),
	)
	if _, err := orchestrator.RecoverInterrupted(rootCtx); err != nil {
		logger.Warn("task recovery failed", slog.String("error", err.Error()))
	}

	if index.Ready() {
		go reindexCatalog(rootCtx, lifecycle, index, logger)
	}

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithResolver(cascade),
		apihttp.WithAcquisitions(orchestrator),
		apihttp.WithCatalog(lifecycle),
		apihttp.WithSemanticIndex(index),
		apihttp.WithRateLimits(apihttp.RateLimits{
			ReadRPS:    cfg.HTTPReadRPS,
			ReadBurst:  cfg.HTTPReadBurst,
			WriteRPS:   cfg.HTTPWriteRPS,
			WriteBurst: cfg.HTTPWriteBurst,
		}),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// /resolve?acquire=true and searches wait on every platform.
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("content resolver started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Bool("semanticReady", index.Ready()),
		slog.Any("platforms", registry.Defaults()),
	)

	exitCode := 0
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if err := orchestrator.Close(shutdownCtx); err != nil {
		logger.Warn("acquisition shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("content resolver stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRedisClient returns nil when Redis is unset or unreachable; callers
// fall back to in-process caches.
func buildRedisClient(ctx context.Context, cfg app.Config, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory caches only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory caches only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func buildServiceOptions(cfg app.Config, redisClient *redis.Client, existence search.ExistenceChecker, logger *slog.Logger) []search.ServiceOption {
	durations := make(map[domain.Category]search.DurationRange, len(cfg.Tuning.Durations))
	for name, pref := range cfg.Tuning.Durations {
		durations[domain.Category(strings.ToLower(name))] = search.DurationRange{
			MinSeconds: pref.MinSeconds,
			MaxSeconds: pref.MaxSeconds,
		}
	}
	opts := []search.ServiceOption{
		search.WithLogger(logger),
		search.WithExistenceChecker(existence),
		search.WithDedupConfig(search.DedupConfig{
			TitleSimilarity: cfg.Tuning.DedupTitleSimilarity,
			DurationSeconds: cfg.Tuning.DedupDurationSeconds,
		}),
		search.WithScoreConfig(search.ScoreConfig{
			Weights: search.ScoreWeights{
				Views:      cfg.Tuning.Weights.Views,
				Likes:      cfg.Tuning.Weights.Likes,
				Duration:   cfg.Tuning.Weights.Duration,
				Freshness:  cfg.Tuning.Weights.Freshness,
				TitleMatch: cfg.Tuning.Weights.TitleMatch,
			},
			Durations: durations,
		}),
	}

	if cfg.CacheDisabled {
		return append(opts, search.WithCacheDisabled(true))
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, search.WithCacheTTL(cfg.CacheTTL))
	}
	if redisClient != nil {
		opts = append(opts, search.WithRedisCache(search.NewRedisCacheBackend(redisClient)))
	}
	return opts
}

func buildCatalog(ctx context.Context, cfg app.Config, logger *slog.Logger) (catalog.Store, func()) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		logger.Warn("postgres dsn not configured, catalog is in-memory")
		return catalog.NewMemoryStore(), func() {}
	}
	pool, err := catalog.Connect(ctx, dsn)
	if err != nil {
		logger.Error("postgres connect failed, catalog is in-memory", slog.String("error", err.Error()))
		return catalog.NewMemoryStore(), func() {}
	}
	store := catalog.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("catalog schema check failed", slog.String("error", err.Error()))
	}
	logger.Info("postgres catalog connected")
	return store, pool.Close
}

// buildSemanticIndex never fails: any problem with the vector store or the
// embedding model yields an index that reports not ready, and resolution
// runs exact and fuzzy only.
func buildSemanticIndex(ctx context.Context, cfg app.Config, redisClient *redis.Client, logger *slog.Logger) (*semantic.Index, func()) {
	opts := []semantic.Option{
		semantic.WithFloor(cfg.Tuning.SemanticFloor),
		semantic.WithLogger(logger),
	}
	if redisClient != nil {
		opts = append(opts, semantic.WithEmbeddingCache(semantic.NewRedisEmbeddingCache(redisClient, embeddingCacheTTL)))
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	var embedder semantic.Embedder
	switch cfg.EmbeddingProvider {
	case "", "none", "disabled":
		logger.Info("semantic index disabled by configuration")
		return semantic.Disabled(opts...), func() {}
	case "openai":
		openaiEmbedder, err := openai.NewEmbedder(openai.Config{
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingURL,
			Model:   cfg.EmbeddingModel,
			Client:  httpClient,
		})
		if err != nil {
			logger.Warn("openai embedder unavailable, semantic index disabled", slog.String("error", err.Error()))
			return semantic.Disabled(opts...), func() {}
		}
		embedder = openaiEmbedder
	default:
		embedder = ollama.NewEmbedder(ollama.Config{
			BaseURL: cfg.EmbeddingURL,
			Model:   cfg.EmbeddingModel,
			Client:  httpClient,
		})
	}

	var vectors semantic.VectorStore = semantic.NewMemoryStore()
	closeFn := func() {}
	if path := strings.TrimSpace(cfg.VectorDBPath); path != "" {
		sqliteStore, err := semantic.OpenSQLiteStore(path)
		if err != nil {
			logger.Warn("vector store unavailable, keeping embeddings in memory", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			vectors = sqliteStore
			closeFn = func() { _ = sqliteStore.Close() }
		}
	}

	index := semantic.Open(ctx, embedder, vectors, opts...)
	logger.Info("semantic index opened",
		slog.Bool("ready", index.Ready()),
		slog.String("model", embedder.ModelName()),
		slog.Float64("floor", index.Floor()),
	)
	return index, closeFn
}

func reindexCatalog(ctx context.Context, lifecycle *catalog.Lifecycle, index *semantic.Index, logger *slog.Logger) {
	records, err := lifecycle.ListActive(ctx)
	if err != nil {
		logger.Warn("startup reindex skipped", slog.String("error", err.Error()))
		return
	}
	indexed, err := index.Reindex(ctx, records)
	if err != nil {
		logger.Warn("startup reindex failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("startup reindex finished", slog.Int("records", len(records)), slog.Int("indexed", indexed))
}

func buildObjectStore(ctx context.Context, cfg app.Config, logger *slog.Logger) objectstore.Store {
	if strings.TrimSpace(cfg.MinIOEndpoint) == "" {
		logger.Warn("minio endpoint not configured, objects kept in memory")
		return objectstore.NewMemoryStore(cfg.MinIOPublicBaseURL)
	}
	store, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		Bucket:        cfg.MinIOBucket,
		Secure:        cfg.MinIOSecure,
		Region:        cfg.MinIORegion,
		PublicBaseURL: cfg.MinIOPublicBaseURL,
		PublicRead:    cfg.MinIOPublicRead,
	})
	if err != nil {
		logger.Error("minio init failed, objects kept in memory", slog.String("error", err.Error()))
		return objectstore.NewMemoryStore(cfg.MinIOPublicBaseURL)
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.EnsureBucket(bucketCtx, cfg.MinIOPublicRead); err != nil {
		logger.Warn("minio bucket check failed", slog.String("bucket", cfg.MinIOBucket), slog.String("error", err.Error()))
	}
	return store
}

func buildTaskStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (acquisition.TaskStore, func()) {
	if strings.TrimSpace(cfg.MongoURI) == "" {
		logger.Info("mongo uri not configured, acquisition tasks kept in memory")
		return acquisition.NewMemoryTaskStore(), func() {}
	}
	mongoOpts := otelmongo.NewMonitor()
	client, err := acquisition.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(mongoOpts))
	if err != nil {
		logger.Error("mongo connect failed, acquisition tasks kept in memory", slog.String("error", err.Error()))
		return acquisition.NewMemoryTaskStore(), func() {}
	}
	disconnect := func() { disconnectMongo(client, logger) }
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed, acquisition tasks kept in memory", slog.String("error", err.Error()))
		disconnect()
		return acquisition.NewMemoryTaskStore(), func() {}
	}
	store := acquisition.NewMongoTaskStore(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo index creation failed", slog.String("error", err.Error()))
	}
	logger.Info("mongo task store connected", slog.String("database", cfg.MongoDatabase))
	return store, disconnect
}

func disconnectMongo(client *mongo.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn("mongo disconnect failed", slog.String("error", err.Error()))
	}
}

func buildRegistry(ctx context.Context, cfg app.Config, logger *slog.Logger) *connectors.Registry {
	runner := ytdlp.NewRunner(
		ytdlp.WithBinary(cfg.YtDlpBinary),
		ytdlp.WithProxy(cfg.ProxyURL),
		ytdlp.WithCookiesFile(cfg.CookiesFile),
	)
	conns := connectors.NewDefaultConnectors(runner)
	if cfg.YouTubeAPIKey != "" {
		api, err := youtube.New(ctx, youtube.Config{APIKey: cfg.YouTubeAPIKey, Logger: logger},
			connectors.NewYtDlpConnector(connectors.YouTube, runner))
		if err != nil {
			logger.Warn("youtube data api unavailable, using yt-dlp search", slog.String("error", err.Error()))
		} else {
			for i, conn := range conns {
				if conn.Name() == connectors.YouTube.Name {
					conns[i] = api
				}
			}
		}
	}
	return connectors.NewRegistry(conns,
		connectors.WithDefaults(connectors.DefaultSearchPlatforms...),
		connectors.WithFallback(connectors.NewGeneric(runner)),
	)
}

// userAgentTransport stamps outgoing cover downloads; some CDNs reject the
// Go default agent.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}
