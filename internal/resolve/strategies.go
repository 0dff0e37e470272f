package resolve

import (
	"context"
	"errors"
	"sort"

	"storyhub/resolverservice/internal/catalog"
	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/textnorm"
)

const DefaultFuzzyFloor = 0.8

// SemanticQuerier is the part of the semantic index the cascade needs.
type SemanticQuerier interface {
	Ready() bool
	Floor() float64
	Query(ctx context.Context, title string, category domain.Category, topK int) []domain.SemanticHit
}

type Config struct {
	FuzzyFloor float64
}

// NewDefault builds exact, fuzzy and semantic stages in that order.
func NewDefault(store catalog.Store, index SemanticQuerier, cfg Config, opts ...Option) *Cascade {
	return New([]Strategy{
		Exact{Store: store},
		Fuzzy{Store: store, Floor: cfg.FuzzyFloor},
		Semantic{Index: index, Store: store},
	}, opts...)
}

// NewCatalogMatcher builds the catalog-only stages (exact and fuzzy).
func NewCatalogMatcher(store catalog.Store, cfg Config, opts ...Option) *Cascade {
	return New([]Strategy{
		Exact{Store: store},
		Fuzzy{Store: store, Floor: cfg.FuzzyFloor},
	}, opts...)
}

type Exact struct {
	Store catalog.Store
}

func (Exact) Stage() domain.ResolveStage { return domain.StageExact }

func (s Exact) Match(ctx context.Context, title string, category domain.Category) (Match, bool, error) {
	records, err := s.Store.FindByNormalizedTitle(ctx, title, category)
	if err != nil {
		return Match{}, false, err
	}
	if len(records) == 0 {
		return Match{}, false, nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return Match{Record: records[0], Similarity: 1}, true, nil
}

type Fuzzy struct {
	Store catalog.Store
	Floor float64
}

func (Fuzzy) Stage() domain.ResolveStage { return domain.StageFuzzy }

func (s Fuzzy) Match(ctx context.Context, title string, category domain.Category) (Match, bool, error) {
	floor := s.Floor
	if floor <= 0 || floor > 1 {
		floor = DefaultFuzzyFloor
	}
	key := textnorm.Normalize(title)
	if key == "" {
		return Match{}, false, nil
	}
	candidates, err := s.Store.FindFuzzy(ctx, title, category)
	if err != nil {
		return Match{}, false, err
	}

	var best Match
	found := false
	for _, record := range candidates {
		if !record.Active || record.Category != category {
			continue
		}
		score := textnorm.Similarity(key, textnorm.Normalize(record.Title))
		if score < floor {
			continue
		}
		candidate := Match{Record: record, Similarity: score}
		if !found || betterFuzzy(candidate, best) {
			best = candidate
			found = true
		}
	}
	return best, found, nil
}

// betterFuzzy orders by similarity, then play count, then newest, then id.
func betterFuzzy(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Record.PlayCount != b.Record.PlayCount {
		return a.Record.PlayCount > b.Record.PlayCount
	}
	if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
		return a.Record.CreatedAt.After(b.Record.CreatedAt)
	}
	return a.Record.ID < b.Record.ID
}

// semanticCandidates bounds how many index hits are checked against the
// catalog before the stage gives up.
const semanticCandidates = 3

// Semantic accepts the best index hit at or above the index floor that still
// points at an active record of the requested category. An index that is not
// ready is skipped.
type Semantic struct {
	Index SemanticQuerier
	Store catalog.Store
}

func (Semantic) Stage() domain.ResolveStage { return domain.StageSemantic }

func (s Semantic) Match(ctx context.Context, title string, category domain.Category) (Match, bool, error) {
	if s.Index == nil || !s.Index.Ready() {
		return Match{}, false, nil
	}
	for _, hit := range s.Index.Query(ctx, title, category, semanticCandidates) {
		if hit.Similarity < s.Index.Floor() {
			break
		}
		record, err := s.Store.Get(ctx, hit.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return Match{}, false, err
		}
		if !record.Active || record.Category != category {
			continue
		}
		return Match{Record: record, Similarity: hit.Similarity}, true, nil
	}
	return Match{}, false, nil
}
