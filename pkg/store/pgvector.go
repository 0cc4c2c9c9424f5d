package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kestrelab/docqa/internal/models"
)

type PgVectorConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
}

// PgVectorIndex stores chunks and embeddings in Postgres with the
// pgvector extension. Similarity uses cosine distance via the <=>
// operator.
type PgVectorIndex struct {
	config PgVectorConfig
	pool   *pgxpool.Pool
}

func NewPgVectorIndex(ctx context.Context, config PgVectorConfig) (*PgVectorIndex, error) {
	if config.ConnString == "" {
		return nil, models.NewConfigError("index.url", "connection string is required for the pgvector backend")
	}
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim <= 0 {
		return nil, models.NewConfigError("index.vector_dim", "must be positive, got %d", config.VectorDim)
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", models.ErrIndexStorage, err)
	}

	idx := &PgVectorIndex{
		config: config,
		pool:   pool,
	}

	if err := idx.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return idx, nil
}

func (p *PgVectorIndex) initialize(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("%w: create vector extension: %v", models.ErrIndexStorage, err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			unit_index INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			embedding vector(%d)
		)`, p.config.TableName, p.config.VectorDim)

	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("%w: create table: %v", models.ErrIndexStorage, err)
	}

	createEmbeddingIdx := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		p.config.TableName, p.config.TableName)

	if _, err := p.pool.Exec(ctx, createEmbeddingIdx); err != nil {
		return fmt.Errorf("%w: create embedding index: %v", models.ErrIndexStorage, err)
	}

	createSourceIdx := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_source_idx
		ON %s (source_id)`,
		p.config.TableName, p.config.TableName)

	if _, err := p.pool.Exec(ctx, createSourceIdx); err != nil {
		return fmt.Errorf("%w: create source index: %v", models.ErrIndexStorage, err)
	}

	return nil
}

func (p *PgVectorIndex) Add(ctx context.Context, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := p.checkDims(entries); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", models.ErrIndexStorage, err)
	}
	defer tx.Rollback(ctx)

	if err := p.insert(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrIndexStorage, err)
	}
	return nil
}

func (p *PgVectorIndex) insert(ctx context.Context, tx pgx.Tx, entries []models.IndexEntry) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, unit_index, seq, content, start_offset, end_offset, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			start_offset = EXCLUDED.start_offset,
			end_offset = EXCLUDED.end_offset,
			embedding = EXCLUDED.embedding`,
		p.config.TableName)

	for _, e := range entries {
		_, err := tx.Exec(ctx, stmt,
			e.Chunk.ID,
			e.Chunk.SourceID,
			e.Chunk.UnitIndex,
			e.Chunk.Seq,
			e.Chunk.Text,
			e.Chunk.Start,
			e.Chunk.End,
			pgvector.NewVector(e.Vector),
		)
		if err != nil {
			return fmt.Errorf("%w: insert chunk %s: %v", models.ErrIndexStorage, e.Chunk.ID, err)
		}
	}
	return nil
}

func (p *PgVectorIndex) Search(ctx context.Context, query []float32, k int) ([]models.ScoredChunk, error) {
	if len(query) != p.config.VectorDim {
		return nil, models.NewConfigError("index.vector_dim",
			"query vector has dimensionality %d, index expects %d", len(query), p.config.VectorDim)
	}
	if k <= 0 {
		return nil, nil
	}

	sql := fmt.Sprintf(`
		SELECT id, source_id, unit_index, seq, content, start_offset, end_offset,
			1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, source_id, unit_index, seq
		LIMIT $2`,
		p.config.TableName)

	rows, err := p.pool.Query(ctx, sql, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", models.ErrIndexStorage, err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		err := rows.Scan(
			&sc.Chunk.ID,
			&sc.Chunk.SourceID,
			&sc.Chunk.UnitIndex,
			&sc.Chunk.Seq,
			&sc.Chunk.Text,
			&sc.Chunk.Start,
			&sc.Chunk.End,
			&sc.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", models.ErrIndexStorage, err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search: %v", models.ErrIndexStorage, err)
	}
	return out, nil
}

func (p *PgVectorIndex) DeleteBySource(ctx context.Context, sourceID string) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE source_id = $1", p.config.TableName)
	if _, err := p.pool.Exec(ctx, sql, sourceID); err != nil {
		return fmt.Errorf("%w: delete source %s: %v", models.ErrIndexStorage, sourceID, err)
	}
	return nil
}

// Replace swaps all entries for a source in a single transaction, so
// concurrent searches see either the old chunks or the new ones.
func (p *PgVectorIndex) Replace(ctx context.Context, sourceID string, entries []models.IndexEntry) error {
	if err := p.checkDims(entries); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", models.ErrIndexStorage, err)
	}
	defer tx.Rollback(ctx)

	del := fmt.Sprintf("DELETE FROM %s WHERE source_id = $1", p.config.TableName)
	if _, err := tx.Exec(ctx, del, sourceID); err != nil {
		return fmt.Errorf("%w: delete source %s: %v", models.ErrIndexStorage, sourceID, err)
	}

	if err := p.insert(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrIndexStorage, err)
	}
	return nil
}

func (p *PgVectorIndex) Count(ctx context.Context) (int, error) {
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s", p.config.TableName)
	var n int
	if err := p.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", models.ErrIndexStorage, err)
	}
	return n, nil
}

// Persist is a no-op; Postgres is the durable store.
func (p *PgVectorIndex) Persist(_ context.Context) error { return nil }

// Load is a no-op; the table is queried in place.
func (p *PgVectorIndex) Load(_ context.Context) error { return nil }

func (p *PgVectorIndex) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PgVectorIndex) checkDims(entries []models.IndexEntry) error {
	for _, e := range entries {
		if len(e.Vector) != p.config.VectorDim {
			return models.NewConfigError("index.vector_dim",
				"chunk %s has vector dimensionality %d, index expects %d",
				e.Chunk.ID, len(e.Vector), p.config.VectorDim)
		}
	}
	return nil
}
