package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"storyhub/resolverservice/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
  id         INTEGER PRIMARY KEY,
  category   TEXT NOT NULL,
  title      TEXT NOT NULL,
  model      TEXT NOT NULL DEFAULT '',
  dimensions INTEGER NOT NULL,
  vector     BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS embeddings_category_idx ON embeddings (category);
`

// SQLiteStore persists vectors in a local SQLite file and scores them in
// process. Catalog sizes stay in the tens of thousands, a linear scan is
// enough.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open embeddings db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate embeddings db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, record EmbeddingRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO embeddings (id, category, title, model, dimensions, vector, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  category = excluded.category,
  title = excluded.title,
  model = excluded.model,
  dimensions = excluded.dimensions,
  vector = excluded.vector,
  updated_at = excluded.updated_at`,
		record.ID, string(record.Category), record.Title, record.Model, len(record.Vector),
		encodeVector(record.Vector), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert embedding %d: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete embedding %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, vector []float32, category domain.Category, limit int) ([]domain.SemanticHit, error) {
	query := `SELECT id, category, title, vector FROM embeddings WHERE dimensions = ?`
	args := []any{len(vector)}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var hits []domain.SemanticHit
	for rows.Next() {
		var (
			hit  domain.SemanticHit
			cat  string
			blob []byte
		)
		if err := rows.Scan(&hit.ID, &cat, &hit.MatchedTitle, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		stored, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding %d: %w", hit.ID, err)
		}
		hit.Category = domain.Category(cat)
		hit.Similarity = Similarity(vector, stored)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return topHits(hits, limit), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM embeddings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list embedding ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan embedding id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
