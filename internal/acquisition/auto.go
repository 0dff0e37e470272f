package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"storyhub/resolverservice/internal/domain"
)

// AcquireBest searches the default platforms for keyword and submits the
// highest scored result that is not yet in the catalog.
func (o *Orchestrator) AcquireBest(ctx context.Context, keyword string, category domain.Category) (domain.AcquisitionTask, error) {
	if o.deps.Searcher == nil {
		return domain.AcquisitionTask{}, errors.New("auto-acquire: no searcher configured")
	}
	resp, err := o.deps.Searcher.Search(ctx, domain.SearchRequest{Keyword: keyword, Category: category})
	if err != nil {
		return domain.AcquisitionTask{}, err
	}
	if len(resp.PlatformsSearched) == 0 {
		return domain.AcquisitionTask{}, domain.ErrNoPlatforms
	}
	for _, item := range resp.Results {
		if item.ExistsInDB {
			continue
		}
		o.logger.Info("auto-acquire picked result",
			slog.String("keyword", keyword),
			slog.String("platform", item.Platform),
			slog.String("url", item.URL),
			slog.Float64("score", item.QualityScore),
		)
		return o.Submit(ctx, domain.AcquisitionRequest{
			Items:    []domain.AcquisitionItem{{URL: item.URL, Title: item.Title}},
			Category: category,
		})
	}
	return domain.AcquisitionTask{}, fmt.Errorf("auto-acquire %q: %w", keyword, domain.ErrNotFound)
}
