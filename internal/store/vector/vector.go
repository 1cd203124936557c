package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/store"
)

// StoreImpl implements store.VectorIndex on PostgreSQL with pgvector. Each
// index is one table carrying the chunk document fields plus the embedding
// column; chunk ids are freshly generated so writers never collide.
type StoreImpl struct {
	db *pgxpool.Pool
}

var _ store.VectorIndex = (*StoreImpl)(nil)

func NewStore(ctx context.Context, dsn string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, fmt.Errorf("vector index DSN cannot be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vector index DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping vector index: %w", err)
	}
	log.Info("Connected to PostgreSQL vector index")
	return &StoreImpl{db: pool}, nil
}

func (vs *StoreImpl) Close() error {
	if vs.db != nil {
		vs.db.Close()
	}
	return nil
}

func (vs *StoreImpl) Ping(ctx context.Context) error {
	if vs.db == nil {
		return fmt.Errorf("vector index connection is not initialized")
	}
	return vs.db.Ping(ctx)
}

// EnsureIndex creates the index table if it does not exist. Safe to call on
// every run; existing tables are left untouched.
func (vs *StoreImpl) EnsureIndex(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("index %s: dimension must be positive, got %d", name, dimension)
	}

	if _, err := vs.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("ensure pgvector extension: %w", err)
	}

	table := pgx.Identifier{name}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		kb_id TEXT NOT NULL,
		doc_name TEXT NOT NULL DEFAULT '',
		title_tks TEXT NOT NULL DEFAULT '',
		title_sm_tks TEXT NOT NULL DEFAULT '',
		content_ltks TEXT NOT NULL DEFAULT '',
		content_sm_ltks TEXT NOT NULL DEFAULT '',
		page_num_int INT[],
		position_int JSONB,
		top_int INT[],
		create_time TEXT NOT NULL DEFAULT '',
		create_timestamp_flt DOUBLE PRECISION NOT NULL DEFAULT 0,
		img_id TEXT NOT NULL DEFAULT '',
		vector vector(%d) NOT NULL
	)`, table, dimension)
	if _, err := vs.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create index table %s: %w", name, err)
	}

	idx := pgx.Identifier{name + "_doc_id_idx"}.Sanitize()
	if _, err := vs.db.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (doc_id)`, idx, table)); err != nil {
		return fmt.Errorf("create doc_id index on %s: %w", name, err)
	}
	return nil
}

// IndexChunk inserts one chunk document. Chunks are write-once; there is no
// upsert path.
func (vs *StoreImpl) IndexChunk(ctx context.Context, indexName, id string, doc *models.ChunkDocument) error {
	positions, err := json.Marshal(doc.Positions)
	if err != nil {
		return fmt.Errorf("marshal chunk positions: %w", err)
	}

	pages := make([]int32, len(doc.PageNumbers))
	for i, p := range doc.PageNumbers {
		pages[i] = int32(p)
	}
	tops := make([]int32, len(doc.Top))
	for i, t := range doc.Top {
		tops[i] = int32(t)
	}

	table := pgx.Identifier{indexName}.Sanitize()
	query := fmt.Sprintf(`INSERT INTO %s
		(id, doc_id, kb_id, doc_name, title_tks, title_sm_tks, content_ltks, content_sm_ltks,
		 page_num_int, position_int, top_int, create_time, create_timestamp_flt, img_id, vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`, table)

	_, err = vs.db.Exec(ctx, query,
		id, doc.DocID, doc.KBID, doc.DocName,
		doc.TitleTokens, doc.TitleSmallTokens, doc.ContentTokens, doc.ContentSmallTokens,
		pages, string(positions), tops,
		doc.CreateTime, doc.CreateTimestamp, doc.ImageID,
		pgvector.NewVector(doc.Vector))
	if err != nil {
		return fmt.Errorf("index chunk %s into %s: %w", id, indexName, err)
	}
	return nil
}
