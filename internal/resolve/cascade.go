// Package resolve maps a requested title to a catalog record by walking an
// ordered list of matching strategies until one hits.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/metrics"
	"storyhub/resolverservice/internal/telemetry"
)

// Match is a strategy hit.
type Match struct {
	Record     domain.ContentRecord
	Similarity float64
}

// Strategy is one stage of the cascade. ok=false means "no opinion, try the
// next stage"; an error aborts the cascade.
type Strategy interface {
	Stage() domain.ResolveStage
	Match(ctx context.Context, title string, category domain.Category) (Match, bool, error)
}

type Cascade struct {
	strategies []Strategy
	logger     *slog.Logger
	tracer     trace.Tracer
}

type Option func(*Cascade)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cascade) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(strategies []Strategy, opts ...Option) *Cascade {
	cascade := &Cascade{
		strategies: append([]Strategy(nil), strategies...),
		logger:     slog.Default(),
		tracer:     telemetry.Tracer("resolve"),
	}
	for _, opt := range opts {
		opt(cascade)
	}
	return cascade
}

// Resolve runs the strategies in order. A miss is a Resolution with a nil
// Record and StageMiss, not an error.
func (c *Cascade) Resolve(ctx context.Context, title string, category domain.Category) (domain.Resolution, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Resolution{}, domain.ErrInvalidQuery
	}
	if !category.Valid() {
		return domain.Resolution{}, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}

	ctx, span := c.tracer.Start(ctx, "resolve.cascade", trace.WithAttributes(
		attribute.String("resolve.category", string(category)),
	))
	defer span.End()

	for _, strategy := range c.strategies {
		match, ok, err := strategy.Match(ctx, title, category)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.Resolution{}, fmt.Errorf("%s stage: %w", strategy.Stage(), err)
		}
		if !ok {
			continue
		}
		record := match.Record
		metrics.ResolutionsTotal.WithLabelValues(string(category), string(strategy.Stage())).Inc()
		span.SetAttributes(attribute.String("resolve.stage", string(strategy.Stage())))
		c.logger.Debug("title resolved",
			slog.String("title", title),
			slog.String("category", string(category)),
			slog.String("stage", string(strategy.Stage())),
			slog.Int64("contentId", record.ID),
			slog.Float64("similarity", match.Similarity),
		)
		return domain.Resolution{
			Title:      title,
			Category:   category,
			Stage:      strategy.Stage(),
			Similarity: match.Similarity,
			Record:     &record,
		}, nil
	}

	metrics.ResolutionsTotal.WithLabelValues(string(category), string(domain.StageMiss)).Inc()
	span.SetAttributes(attribute.String("resolve.stage", string(domain.StageMiss)))
	return domain.Resolution{Title: title, Category: category, Stage: domain.StageMiss}, nil
}

// Exists reports whether the cascade finds a record for title. Used to flag
// search results and to skip acquiring content the catalog already has.
func (c *Cascade) Exists(ctx context.Context, title string, category domain.Category) (bool, error) {
	resolution, err := c.Resolve(ctx, title, category)
	if err != nil {
		return false, err
	}
	return resolution.Hit(), nil
}
