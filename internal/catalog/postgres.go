package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storyhub/resolverservice/internal/domain"
	"storyhub/resolverservice/internal/textnorm"
)

const (
	maxFuzzyCandidates = 200
	maxFuzzyBigrams    = 12
)

const recordColumns = `id, category, title, storage_path, cover_path, duration_seconds, source_url,
  category_id, artist, tag_ids, age_min, age_max, play_count, active, created_at`

// PostgresStore implements Store on a content_records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS content_records (
  id               bigserial PRIMARY KEY,
  category         text NOT NULL,
  title            text NOT NULL,
  normalized_title text NOT NULL,
  storage_path     text NOT NULL,
  cover_path       text NOT NULL DEFAULT '',
  duration_seconds integer NOT NULL DEFAULT 0,
  source_url       text NOT NULL DEFAULT '',
  category_id      bigint NOT NULL DEFAULT 0,
  artist           text NOT NULL DEFAULT '',
  tag_ids          bigint[] NOT NULL DEFAULT '{}',
  age_min          integer NOT NULL DEFAULT 0,
  age_max          integer NOT NULL DEFAULT 0,
  play_count       bigint NOT NULL DEFAULT 0,
  active           boolean NOT NULL DEFAULT true,
  created_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS content_records_lookup_idx ON content_records (category, normalized_title) WHERE active;
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return err
	}
	if _, err := s.Renormalize(ctx); err != nil {
		return fmt.Errorf("renormalize titles: %w", err)
	}
	return nil
}

type titleKey struct {
	ID         int64
	Title      string
	Normalized string
}

// Renormalize rewrites normalized_title for rows whose stored key differs
// from the current textnorm.Normalize output and returns how many changed.
func (s *PostgresStore) Renormalize(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, normalized_title FROM content_records`)
	if err != nil {
		return 0, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowToStructByPos[titleKey])
	if err != nil {
		return 0, err
	}
	stale := staleTitleKeys(keys)
	if len(stale) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, key := range stale {
		batch.Queue(`UPDATE content_records SET normalized_title = $2 WHERE id = $1`, key.ID, key.Normalized)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// staleTitleKeys returns the keys whose Normalized value no longer matches
// their title, carrying the recomputed value.
func staleTitleKeys(keys []titleKey) []titleKey {
	var stale []titleKey
	for _, key := range keys {
		if normalized := textnorm.Normalize(key.Title); normalized != key.Normalized {
			key.Normalized = normalized
			stale = append(stale, key)
		}
	}
	return stale
}

func (s *PostgresStore) FindByNormalizedTitle(ctx context.Context, title string, category domain.Category) ([]domain.ContentRecord, error) {
	key := textnorm.Normalize(title)
	if key == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM content_records
		 WHERE active AND category = $1 AND normalized_title = $2
		 ORDER BY id`,
		string(category), key)
	if err != nil {
		return nil, fmt.Errorf("find by normalized title: %w", err)
	}
	return collectRecords(rows)
}

// FindFuzzy prefilters on shared character bigrams so edit-distance scoring
// runs over a bounded candidate set. When more than maxFuzzyCandidates rows
// qualify, the rows sharing the most bigrams with title are kept.
func (s *PostgresStore) FindFuzzy(ctx context.Context, title string, category domain.Category) ([]domain.ContentRecord, error) {
	patterns := fuzzyPatterns(title)
	if len(patterns) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM content_records
		 WHERE active AND category = $1 AND replace(normalized_title, ' ', '') LIKE ANY($2)
		 ORDER BY (SELECT count(*) FROM unnest($2::text[]) AS g(pattern)
		           WHERE replace(normalized_title, ' ', '') LIKE g.pattern) DESC,
		          play_count DESC, created_at DESC, id
		 LIMIT $3`,
		string(category), patterns, maxFuzzyCandidates)
	if err != nil {
		return nil, fmt.Errorf("find fuzzy candidates: %w", err)
	}
	return collectRecords(rows)
}

// fuzzyPatterns turns the distinct bigrams of the normalized title into LIKE
// patterns, at most maxFuzzyBigrams of them. Normalized titles hold no
// punctuation, so bigrams never contain LIKE metacharacters.
func fuzzyPatterns(title string) []string {
	grams := textnorm.Bigrams(textnorm.Normalize(title))
	if len(grams) > maxFuzzyBigrams {
		grams = grams[:maxFuzzyBigrams]
	}
	patterns := make([]string, 0, len(grams))
	for _, gram := range grams {
		patterns = append(patterns, "%"+gram+"%")
	}
	return patterns
}

func (s *PostgresStore) Create(ctx context.Context, record domain.ContentRecord) (int64, error) {
	if strings.TrimSpace(record.Title) == "" {
		return 0, fmt.Errorf("create content record: title is required")
	}
	if !record.Category.Valid() {
		return 0, fmt.Errorf("create content record: %w", domain.ErrInvalidCategory)
	}
	tagIDs := record.Classification.TagIDs
	if tagIDs == nil {
		tagIDs = []int64{}
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO content_records
		   (category, title, normalized_title, storage_path, cover_path, duration_seconds, source_url,
		    category_id, artist, tag_ids, age_min, age_max)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		string(record.Category), record.Title, textnorm.Normalize(record.Title), record.StoragePath,
		record.CoverPath, record.DurationSeconds, record.SourceURL,
		record.Classification.CategoryID, record.Classification.Artist, tagIDs,
		record.Classification.AgeMin, record.Classification.AgeMax,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create content record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (domain.ContentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM content_records WHERE id = $1`, id)
	if err != nil {
		return domain.ContentRecord{}, fmt.Errorf("get content record: %w", err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContentRecord{}, domain.ErrNotFound
		}
		return domain.ContentRecord{}, fmt.Errorf("get content record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE content_records SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate content record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]domain.ContentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM content_records WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active content records: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]domain.ContentRecord, error) {
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan content records: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (domain.ContentRecord, error) {
	var (
		record   domain.ContentRecord
		category string
	)
	err := row.Scan(
		&record.ID, &category, &record.Title, &record.StoragePath, &record.CoverPath,
		&record.DurationSeconds, &record.SourceURL, &record.Classification.CategoryID,
		&record.Classification.Artist, &record.Classification.TagIDs,
		&record.Classification.AgeMin, &record.Classification.AgeMax,
		&record.PlayCount, &record.Active, &record.CreatedAt,
	)
	record.Category = domain.Category(category)
	return record, err
}
