package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string
	UserAgent      string

	RedisURL      string
	CacheTTL      time.Duration
	CacheDisabled bool

	PostgresDSN     string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	MinIOEndpoint      string
	MinIOAccessKey     string
	MinIOSecretKey     string
	MinIOBucket        string
	MinIOSecure        bool
	MinIORegion        string
	MinIOPublicBaseURL string
	MinIOPublicRead    bool

	EmbeddingProvider string
	EmbeddingURL      string
	EmbeddingModel    string
	EmbeddingAPIKey   string
	VectorDBPath      string

	YouTubeAPIKey string
	YtDlpBinary   string
	FFmpegBinary  string
	FFprobeBinary string
	ProxyURL      string
	CookiesFile   string
	WorkDir       string

	MaxActiveTasks int
	TaskTimeout    time.Duration
	TaskRetention  time.Duration

	// Submitting acquisitions and reindexing use the write bucket.
	HTTPReadRPS    float64
	HTTPReadBurst  int
	HTTPWriteRPS   float64
	HTTPWriteBurst int

	OTELEndpoint    string
	OTELSampleRatio float64

	TuningFile string
	Tuning     Tuning
}

// Tuning holds the thresholds operators may override from a TOML file.
type Tuning struct {
	FuzzyFloor           float64                       `toml:"fuzzy_floor"`
	SemanticFloor        float64                       `toml:"semantic_floor"`
	DedupTitleSimilarity float64                       `toml:"dedup_title_similarity"`
	DedupDurationSeconds int                           `toml:"dedup_duration_seconds"`
	WorkerLimit          int                           `toml:"worker_limit"`
	SkipExisting         bool                          `toml:"skip_existing"`
	Weights              ScoreWeights                  `toml:"weights"`
	Durations            map[string]DurationPreference `toml:"durations"`
}

type ScoreWeights struct {
	Views      float64 `toml:"views"`
	Likes      float64 `toml:"likes"`
	Duration   float64 `toml:"duration"`
	Freshness  float64 `toml:"freshness"`
	TitleMatch float64 `toml:"title_match"`
}

type DurationPreference struct {
	MinSeconds int `toml:"min_seconds"`
	MaxSeconds int `toml:"max_seconds"`
}

func DefaultTuning() Tuning {
	return Tuning{
		FuzzyFloor:           0.8,
		SemanticFloor:        0.72,
		DedupTitleSimilarity: 0.85,
		DedupDurationSeconds: 3,
		WorkerLimit:          3,
		SkipExisting:         true,
		Weights: ScoreWeights{
			Views:     35,
			Likes:     25,
			Duration:  20,
			Freshness: 20,
		},
	}
}

func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8095"),
		RequestTimeout: time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 20)) * time.Second,
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:      getEnv("RESOLVER_USER_AGENT", "content-resolver/1.0"),

		RedisURL:      getEnv("REDIS_URL", ""),
		CacheTTL:      time.Duration(getEnvInt("SEARCH_CACHE_TTL_MINUTES", 30)) * time.Minute,
		CacheDisabled: getEnvBool("SEARCH_CACHE_DISABLED", false),

		PostgresDSN:     getEnv("POSTGRES_DSN", ""),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DB", "resolver"),
		MongoCollection: getEnv("MONGO_TASKS_COLLECTION", "acquisition_tasks"),

		MinIOEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:        getEnv("MINIO_BUCKET", "media"),
		MinIOSecure:        getEnvBool("MINIO_SECURE", false),
		MinIORegion:        getEnv("MINIO_REGION", ""),
		MinIOPublicBaseURL: getEnv("MINIO_PUBLIC_BASE_URL", ""),
		MinIOPublicRead:    getEnvBool("MINIO_PUBLIC_READ", false),

		EmbeddingProvider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "ollama")),
		EmbeddingURL:      getEnv("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "bge-m3"),
		EmbeddingAPIKey:   getEnv("EMBEDDING_API_KEY", ""),
		VectorDBPath:      getEnv("VECTOR_DB_PATH", "data/vectors.db"),

		YouTubeAPIKey: strings.TrimSpace(os.Getenv("YOUTUBE_API_KEY")),
		YtDlpBinary:   getEnv("YTDLP_BIN", "yt-dlp"),
		FFmpegBinary:  getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBinary: getEnv("FFPROBE_BIN", "ffprobe"),
		ProxyURL:      getEnv("ACQUIRE_PROXY", ""),
		CookiesFile:   getEnv("ACQUIRE_COOKIES_FILE", ""),
		WorkDir:       getEnv("ACQUIRE_WORK_DIR", os.TempDir()),

		MaxActiveTasks: getEnvInt("ACQUIRE_MAX_ACTIVE_TASKS", 3),
		TaskTimeout:    time.Duration(getEnvInt("ACQUIRE_TRACK_TIMEOUT_MINUTES", 15)) * time.Minute,
		TaskRetention:  time.Duration(getEnvInt("ACQUIRE_TASK_RETENTION_HOURS", 24)) * time.Hour,

		HTTPReadRPS:    getEnvFloat("HTTP_READ_RPS", 50),
		HTTPReadBurst:  getEnvInt("HTTP_READ_BURST", 100),
		HTTPWriteRPS:   getEnvFloat("HTTP_WRITE_RPS", 2),
		HTTPWriteBurst: getEnvInt("HTTP_WRITE_BURST", 10),

		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELSampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1),

		TuningFile: getEnv("RESOLVER_TUNING_FILE", ""),
		Tuning:     DefaultTuning(),
	}
	cfg.Tuning.WorkerLimit = getEnvInt("ACQUIRE_WORKERS", cfg.Tuning.WorkerLimit)
	cfg.Tuning.FuzzyFloor = getEnvFloat("RESOLVE_FUZZY_FLOOR", cfg.Tuning.FuzzyFloor)
	cfg.Tuning.SemanticFloor = getEnvFloat("RESOLVE_SEMANTIC_FLOOR", cfg.Tuning.SemanticFloor)
	cfg.Tuning.SkipExisting = getEnvBool("ACQUIRE_SKIP_EXISTING", cfg.Tuning.SkipExisting)
	return cfg
}

// LoadTuning overlays the TOML file at path onto base. Keys missing from the
// file keep their base values; out-of-range values are rejected.
func LoadTuning(path string, base Tuning) (Tuning, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read tuning file: %w", err)
	}
	tuning := base
	if err := toml.Unmarshal(raw, &tuning); err != nil {
		return base, fmt.Errorf("decode tuning file %s: %w", path, err)
	}
	if err := tuning.Validate(); err != nil {
		return base, err
	}
	return tuning, nil
}

func (t Tuning) Validate() error {
	for name, value := range map[string]float64{
		"fuzzy_floor":            t.FuzzyFloor,
		"semantic_floor":         t.SemanticFloor,
		"dedup_title_similarity": t.DedupTitleSimilarity,
	} {
		if value <= 0 || value > 1 {
			return fmt.Errorf("tuning: %s must be in (0,1], got %v", name, value)
		}
	}
	if t.DedupDurationSeconds < 0 {
		return fmt.Errorf("tuning: dedup_duration_seconds must not be negative")
	}
	if t.WorkerLimit <= 0 {
		return fmt.Errorf("tuning: worker_limit must be positive")
	}
	for category, pref := range t.Durations {
		if pref.MinSeconds < 0 || pref.MaxSeconds < pref.MinSeconds {
			return fmt.Errorf("tuning: invalid duration range for %s", category)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
