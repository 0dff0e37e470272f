package search

import (
	"testing"
	"time"

	"storyhub/resolverservice/internal/domain"
)

func TestQualityScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultScoreConfig()

	cases := []struct {
		name string
		item domain.SearchResultItem
		want float64
	}{
		{
			name: "saturated",
			item: domain.SearchResultItem{ViewCount: 100000, LikeCount: 10000, DurationSeconds: 200, UploadDate: "20260601"},
			want: 100,
		},
		{
			name: "unknown date scores half freshness",
			item: domain.SearchResultItem{},
			want: 10,
		},
		{
			name: "short track scales duration fit",
			item: domain.SearchResultItem{DurationSeconds: 60, UploadDate: "20210602"},
			want: 10,
		},
		{
			name: "long track loses duration fit",
			item: domain.SearchResultItem{DurationSeconds: 960, UploadDate: "19990101"},
			want: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := QualityScore(cfg, tc.item, domain.CategoryMusic, "", now)
			if got != tc.want {
				t.Fatalf("QualityScore = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQualityScoreHonoursDurationOverride(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultScoreConfig()
	item := domain.SearchResultItem{DurationSeconds: 1200, UploadDate: "20260601"}

	base := QualityScore(cfg, item, domain.CategoryStory, "", now)
	cfg.Durations = map[domain.Category]DurationRange{domain.CategoryStory: {MinSeconds: 60, MaxSeconds: 600}}
	overridden := QualityScore(cfg, item, domain.CategoryStory, "", now)
	if base != 40 || overridden != 20 {
		t.Fatalf("expected 40 then 20, got %v then %v", base, overridden)
	}
}

func TestQualityScoreTitleMatchWeight(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultScoreConfig()
	cfg.Weights.TitleMatch = 10
	match := QualityScore(cfg, domain.SearchResultItem{Title: "Baby Shark"}, domain.CategoryMusic, "baby shark", now)
	miss := QualityScore(cfg, domain.SearchResultItem{Title: "Rain Sounds"}, domain.CategoryMusic, "baby shark", now)
	if match <= miss {
		t.Fatalf("expected title match to raise score: %v <= %v", match, miss)
	}
}
