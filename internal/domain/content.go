package domain

import (
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryStory   Category = "story"
	CategoryMusic   Category = "music"
	CategoryEnglish Category = "english"
	CategorySound   Category = "sound"
)

var categories = []Category{CategoryStory, CategoryMusic, CategoryEnglish, CategorySound}

func Categories() []Category {
	return append([]Category(nil), categories...)
}

func ParseCategory(raw string) (Category, error) {
	value := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !value.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, raw)
	}
	return value, nil
}

func (c Category) Valid() bool {
	switch c {
	case CategoryStory, CategoryMusic, CategoryEnglish, CategorySound:
		return true
	default:
		return false
	}
}

// StorageFolder is the object storage prefix for acquired media of this category.
func (c Category) StorageFolder() string {
	switch c {
	case CategoryStory:
		return "stories"
	case CategoryEnglish:
		return "english"
	default:
		return "music"
	}
}

// PreferredDuration returns the duration range in seconds that scores full
// marks for duration fit.
func (c Category) PreferredDuration() (int, int) {
	switch c {
	case CategoryStory:
		return 180, 1800
	case CategorySound:
		return 60, 600
	case CategoryEnglish:
		return 60, 900
	default:
		return 120, 480
	}
}

// SearchKeyword adapts a spoken title into a platform search keyword.
func (c Category) SearchKeyword(title string) string {
	title = strings.TrimSpace(title)
	if c == CategoryStory && title != "" && !strings.Contains(title, "故事") {
		return title + " 故事"
	}
	return title
}

type Classification struct {
	CategoryID int64   `json:"categoryId,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	TagIDs     []int64 `json:"tagIds,omitempty"`
	AgeMin     int     `json:"ageMin,omitempty"`
	AgeMax     int     `json:"ageMax,omitempty"`
}

type ContentRecord struct {
	ID              int64          `json:"id"`
	Category        Category       `json:"category"`
	Title           string         `json:"title"`
	StoragePath     string         `json:"storagePath"`
	CoverPath       string         `json:"coverPath,omitempty"`
	DurationSeconds int            `json:"durationSeconds,omitempty"`
	SourceURL       string         `json:"sourceUrl,omitempty"`
	Classification  Classification `json:"classification"`
	PlayCount       int64          `json:"playCount"`
	Active          bool           `json:"active"`
	CreatedAt       time.Time      `json:"createdAt"`
}

type ResolveStage string

const (
	StageExact    ResolveStage = "exact"
	StageFuzzy    ResolveStage = "fuzzy"
	StageSemantic ResolveStage = "semantic"
	StageMiss     ResolveStage = "miss"
)

// Resolution is the outcome of a cascade lookup. Record is nil on a miss.
type Resolution struct {
	Title      string         `json:"title"`
	Category   Category       `json:"category"`
	Stage      ResolveStage   `json:"stage"`
	Similarity float64        `json:"similarity,omitempty"`
	Record     *ContentRecord `json:"record,omitempty"`
}

func (r Resolution) Hit() bool {
	return r.Record != nil
}

// SemanticHit is one nearest-neighbour match from the semantic index.
type SemanticHit struct {
	ID           int64    `json:"id"`
	Similarity   float64  `json:"similarity"`
	MatchedTitle string   `json:"matchedTitle"`
	Category     Category `json:"category"`
}
