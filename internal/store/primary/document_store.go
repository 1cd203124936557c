package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docflow/internal/models"
	"docflow/internal/store"
)

// --- Document Store Implementation ---

var _ store.DocumentStore = (*StoreImpl)(nil)

const documentColumns = `id, kb_id, name, bucket, path, kind, status, progress, message, chunk_count, size_bytes, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }, dest *models.Document) error {
	return row.Scan(
		&dest.ID,
		&dest.KBID,
		&dest.Name,
		&dest.Bucket,
		&dest.Path,
		&dest.Kind,
		&dest.Status,
		&dest.Progress,
		&dest.Message,
		&dest.ChunkCount,
		&dest.SizeBytes,
		&dest.CreatedAt,
		&dest.UpdatedAt,
	)
}

func (s *StoreImpl) CreateDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.DocStatusInit
	}
	if doc.Kind == "" {
		doc.Kind = models.DocKindPlain
	}

	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.KBID, doc.Name, doc.Bucket, doc.Path, doc.Kind,
		doc.Status, doc.Progress, doc.Message, doc.ChunkCount, doc.SizeBytes,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *StoreImpl) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc := &models.Document{}
	err := scanDocument(s.db.QueryRowContext(ctx, query, id), doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *StoreImpl) ListDocuments(ctx context.Context, kbID string, limit, offset int) ([]*models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, kbID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents for kb %s: %w", kbID, err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc := &models.Document{}
		if err := scanDocument(rows, doc); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

// UpdateDocumentProgress writes the externally observable progress of an
// in-flight parse. It never touches status.
func (s *StoreImpl) UpdateDocumentProgress(ctx context.Context, id string, progress int, message string) error {
	query := `UPDATE documents SET progress = $1, message = $2, updated_at = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, query, progress, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update document progress for %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *StoreImpl) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error {
	query := `UPDATE documents SET status = $1, message = $2, updated_at = $3 WHERE id = $4`
	res, err := s.db.ExecContext(ctx, query, status, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set document status for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// TryMarkProcessing flips the document to PROCESSING unless a run is already
// in flight. The WHERE clause makes the admission decision a single
// conditional write; callers learn whether they won from the boolean.
func (s *StoreImpl) TryMarkProcessing(ctx context.Context, id string) (bool, error) {
	query := `UPDATE documents SET status = $1, progress = 0, message = '', updated_at = $2
		WHERE id = $3 AND status != $1`
	res, err := s.db.ExecContext(ctx, query, models.DocStatusProcessing, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("mark document %s processing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark document %s processing: %w", id, err)
	}
	return n == 1, nil
}

// SetDocumentParsed records a completed parse: terminal status, full
// progress, and the chunk count for the document.
func (s *StoreImpl) SetDocumentParsed(ctx context.Context, id string, chunkCount int) error {
	query := `UPDATE documents SET status = $1, progress = 100, message = '', chunk_count = $2, updated_at = $3
		WHERE id = $4`
	res, err := s.db.ExecContext(ctx, query, models.DocStatusCompleted, chunkCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set document %s parsed: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// --- Knowledge Base Store Implementation ---

var _ store.KnowledgeBaseStore = (*StoreImpl)(nil)

func (s *StoreImpl) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	query := `INSERT INTO knowledge_bases (id, name, created_by, embed_model, embed_dim, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		kb.ID, kb.Name, kb.CreatedBy, kb.EmbedModel, kb.EmbedDim, kb.ChunkCount, kb.CreatedAt, kb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create knowledge base %s: %w", kb.ID, err)
	}
	return nil
}

func (s *StoreImpl) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	query := `SELECT id, name, created_by, embed_model, embed_dim, chunk_count, created_at, updated_at
		FROM knowledge_bases WHERE id = $1`
	kb := &models.KnowledgeBase{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&kb.ID, &kb.Name, &kb.CreatedBy, &kb.EmbedModel, &kb.EmbedDim, &kb.ChunkCount, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get knowledge base %s: %w", id, err)
	}
	return kb, nil
}

// AddKnowledgeBaseChunks adjusts the knowledge base's aggregate chunk count.
func (s *StoreImpl) AddKnowledgeBaseChunks(ctx context.Context, id string, delta int) error {
	query := `UPDATE knowledge_bases SET chunk_count = chunk_count + $1, updated_at = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add chunks to knowledge base %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add chunks to knowledge base %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("knowledge base %s: %w", id, store.ErrNotFound)
	}
	return nil
}
