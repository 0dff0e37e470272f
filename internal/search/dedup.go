package search

import (
	"sort"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/textnorm"
)

type DedupConfig struct {
	TitleSimilarity float64
	DurationSeconds int
}

func DefaultDedupConfig() DedupConfig {
	return DedupConfig{TitleSimilarity: 0.85, DurationSeconds: 3}
}

func (c DedupConfig) withDefaults() DedupConfig {
	def := DefaultDedupConfig()
	if c.TitleSimilarity <= 0 || c.TitleSimilarity > 1 {
		c.TitleSimilarity = def.TitleSimilarity
	}
	if c.DurationSeconds < 0 {
		c.DurationSeconds = def.DurationSeconds
	}
	return c
}

// Dedup collapses cross-platform duplicates. Two items are duplicates when
// they share a URL, or when their bracket-stripped titles are similar enough
// and their durations are within tolerance; with an unknown duration the
// titles must match exactly. The most popular item of each group survives and
// lists the others in Duplicates. Dedup of its own output removes nothing.
func Dedup(cfg DedupConfig, items []domain.SearchResultItem) ([]domain.SearchResultItem, int) {
	cfg = cfg.withDefaults()
	if len(items) < 2 {
		return items, 0
	}

	ordered := make([]int, len(items))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return morePopular(items[ordered[a]], items[ordered[b]])
	})

	type kept struct {
		item domain.SearchResultItem
		key  string
	}
	survivors := make([]kept, 0, len(items))
	removed := 0
	for _, idx := range ordered {
		item := items[idx]
		key := textnorm.DedupKey(item.Title)
		merged := false
		for i := range survivors {
			if !cfg.duplicates(survivors[i].item, survivors[i].key, item, key) {
				continue
			}
			survivors[i].item.Duplicates = append(survivors[i].item.Duplicates,
				domain.SourceRef{Platform: item.Platform, URL: item.URL})
			survivors[i].item.Duplicates = append(survivors[i].item.Duplicates, item.Duplicates...)
			removed++
			merged = true
			break
		}
		if !merged {
			item.Duplicates = append([]domain.SourceRef(nil), item.Duplicates...)
			survivors = append(survivors, kept{item: item, key: key})
		}
	}

	out := make([]domain.SearchResultItem, len(survivors))
	for i, s := range survivors {
		out[i] = s.item
	}
	return out, removed
}

func (c DedupConfig) duplicates(a domain.SearchResultItem, aKey string, b domain.SearchResultItem, bKey string) bool {
	if a.URL != "" && a.URL == b.URL {
		return true
	}
	if aKey == "" || bKey == "" {
		return false
	}
	if a.DurationSeconds <= 0 || b.DurationSeconds <= 0 {
		return aKey == bKey
	}
	diff := a.DurationSeconds - b.DurationSeconds
	if diff < 0 {
		diff = -diff
	}
	if diff > c.DurationSeconds {
		return false
	}
	return textnorm.Similarity(aKey, bKey) >= c.TitleSimilarity
}

func morePopular(a, b domain.SearchResultItem) bool {
	if a.ViewCount != b.ViewCount {
		return a.ViewCount > b.ViewCount
	}
	if a.LikeCount != b.LikeCount {
		return a.LikeCount > b.LikeCount
	}
	return a.QualityScore > b.QualityScore
}
