package search

import (
	"math"
	"strings"
	"time"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/textnorm"
)

const freshnessHorizonDays = 1825

type ScoreWeights struct {
	Views      float64
	Likes      float64
	Duration   float64
	Freshness  float64
	TitleMatch float64
}

type DurationRange struct {
	MinSeconds int
	MaxSeconds int
}

// ScoreConfig weights the quality score. Durations overrides the category's
// preferred duration range.
type ScoreConfig struct {
	Weights   ScoreWeights
	Durations map[domain.Category]DurationRange
}

func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Weights: ScoreWeights{Views: 35, Likes: 25, Duration: 20, Freshness: 20},
	}
}

func (c ScoreConfig) durationRange(category domain.Category) (int, int) {
	if r, ok := c.Durations[category]; ok && r.MaxSeconds > 0 {
		return r.MinSeconds, r.MaxSeconds
	}
	return category.PreferredDuration()
}

// QualityScore rates an item by popularity, duration fit for the category,
// upload freshness and, when weighted, title closeness to the keyword. With
// the default weights the score lies in [0,100].
func QualityScore(cfg ScoreConfig, item domain.SearchResultItem, category domain.Category, keyword string, now time.Time) float64 {
	w := cfg.Weights
	score := 0.0

	if item.ViewCount > 0 {
		score += math.Min(math.Log10(float64(item.ViewCount)+1)/5, 1) * w.Views
	}
	if item.LikeCount > 0 {
		score += math.Min(math.Log10(float64(item.LikeCount)+1)/4, 1) * w.Likes
	}

	minDur, maxDur := cfg.durationRange(category)
	score += durationFit(item.DurationSeconds, minDur, maxDur) * w.Duration
	score += freshness(item.UploadDate, now) * w.Freshness

	if w.TitleMatch > 0 {
		sim := textnorm.Similarity(textnorm.Normalize(keyword), textnorm.Normalize(item.Title))
		score += sim * w.TitleMatch
	}

	return math.Round(score*10) / 10
}

func durationFit(seconds, minSeconds, maxSeconds int) float64 {
	switch {
	case seconds <= 0:
		return 0
	case seconds < minSeconds:
		return float64(seconds) / float64(minSeconds)
	case maxSeconds > 0 && seconds > maxSeconds:
		return math.Max(0, 1-float64(seconds-maxSeconds)/float64(maxSeconds))
	default:
		return 1
	}
}

// freshness decays linearly to zero over five years. Unknown dates score half.
func freshness(uploadDate string, now time.Time) float64 {
	uploadDate = strings.TrimSpace(uploadDate)
	if uploadDate == "" {
		return 0.5
	}
	uploaded, err := time.Parse("20060102", uploadDate)
	if err != nil {
		return 0.5
	}
	days := now.Sub(uploaded).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Max(0, 1-days/freshnessHorizonDays)
}
