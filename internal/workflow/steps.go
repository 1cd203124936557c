package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docflow/internal/chunks"
	"docflow/internal/extract"
	"docflow/internal/models"
	"docflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// Step is one pipeline stage. Execute mutates the run context and returns
// the completion message shown to observers; the engine owns every status
// transition around it, so Execute never touches state beyond progress
// updates.
type Step interface {
	Name() models.StepName
	Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error)
}

// ContentParser is the extraction capability PARSE dispatches to.
type ContentParser interface {
	Parse(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error)
}

// ChunkProcessor is the embedding-and-indexing capability PROCESS_CHUNKS
// drives.
type ChunkProcessor interface {
	Process(ctx context.Context, in *chunks.Input) (*chunks.Result, error)
}

var (
	_ ContentParser  = (*extract.Adapter)(nil)
	_ ChunkProcessor = (*chunks.Processor)(nil)
)

// indexNameFor renders the vector index identifier for a knowledge base.
// Indexes are scoped per knowledge base so embedding dimensions never mix.
func indexNameFor(prefix, kbID string) string {
	return prefix + "_" + kbID
}

// saveCheckpoint writes a stage artifact. Failures are logged, not
// returned: checkpoints only buy cheaper resumes, and a run that holds the
// artifact in memory can always finish without one.
func saveCheckpoint(ctx context.Context, cp store.CheckpointStore, documentID string, stage store.StageKey, value []byte, ttl time.Duration) {
	if err := cp.Put(ctx, documentID, stage, value, ttl); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"document_id": documentID,
			"stage":       stage,
		}).Warn("Checkpoint write failed; a resume will recompute this stage")
	}
}

// dropCheckpoint deletes a stage artifact, tolerating failures the same way
// saveCheckpoint does. Leftover artifacts expire on their TTL.
func dropCheckpoint(ctx context.Context, cp store.CheckpointStore, documentID string, stage store.StageKey) {
	if err := cp.Delete(ctx, documentID, stage); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"document_id": documentID,
			"stage":       stage,
		}).Warn("Checkpoint delete failed")
	}
}

// --- INIT ---

type initStep struct {
	documents   store.DocumentStore
	kbs         store.KnowledgeBaseStore
	embedder    store.EmbeddingService
	indexPrefix string
}

func (s *initStep) Name() models.StepName { return models.StepInit }

func (s *initStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	state.UpdateProgress(10, "loading document record")
	doc, err := s.documents.GetDocument(ctx, rc.DocumentID)
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", rc.DocumentID, err)
	}
	rc.Document = doc

	state.UpdateProgress(30, "loading knowledge base")
	kb, err := s.kbs.GetKnowledgeBase(ctx, doc.KBID)
	if err != nil {
		return "", fmt.Errorf("load knowledge base %s: %w", doc.KBID, err)
	}
	rc.KB = kb
	rc.IndexName = indexNameFor(s.indexPrefix, kb.ID)

	state.UpdateProgress(50, "validating run inputs")
	if doc.Bucket == "" || doc.Path == "" {
		return "", fmt.Errorf("%w: document %s has no stored content location", models.ErrValidation, doc.ID)
	}
	if s.embedder.Status() == store.ProviderStatusDisabled {
		return "", fmt.Errorf("%w: no embedding provider is configured", models.ErrValidation)
	}
	if kb.EmbedDim > 0 && kb.EmbedDim != s.embedder.Dimension() {
		return "", fmt.Errorf("%w: knowledge base %s expects %d-dimensional vectors, provider %s produces %d",
			models.ErrValidation, kb.ID, kb.EmbedDim, s.embedder.Name(), s.embedder.Dimension())
	}
	return "workflow initialized", nil
}

// --- FETCH_CONTENT ---

type fetchContentStep struct {
	objects     store.ObjectStore
	checkpoints store.CheckpointStore
	ttl         time.Duration
}

func (s *fetchContentStep) Name() models.StepName { return models.StepFetchContent }

func (s *fetchContentStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	doc := rc.Document
	state.UpdateProgress(10, fmt.Sprintf("downloading %s", doc.Path))

	data, err := s.objects.GetObject(ctx, doc.Bucket, doc.Path)
	if err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", doc.Bucket, doc.Path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("stored file %s/%s is empty", doc.Bucket, doc.Path)
	}
	state.UpdateProgress(30, fmt.Sprintf("downloaded %d bytes", len(data)))

	saveCheckpoint(ctx, s.checkpoints, rc.DocumentID, store.StageFileContent, data, s.ttl)
	state.UpdateProgress(80, "file content cached")

	rc.FileContent = data
	rc.HasFileContent = true
	return fmt.Sprintf("fetched %d bytes", len(data)), nil
}

// --- PARSE ---

type parseStep struct {
	parser      ContentParser
	checkpoints store.CheckpointStore
	ttl         time.Duration
}

func (s *parseStep) Name() models.StepName { return models.StepParse }

func (s *parseStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	if !rc.HasFileContent {
		return "", errors.New("file content unavailable")
	}
	doc := rc.Document
	state.UpdateProgress(10, fmt.Sprintf("parsing %s document", doc.Kind))

	state.UpdateProgress(20, "extracting content")
	out, err := s.parser.Parse(ctx, doc.Kind, doc.Name, rc.FileContent)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", doc.Name, err)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode parse result: %w", err)
	}
	saveCheckpoint(ctx, s.checkpoints, rc.DocumentID, store.StageParseResult, payload, s.ttl)

	// The raw bytes are consumed; keeping the largest artifact cached past
	// this point only holds memory.
	dropCheckpoint(ctx, s.checkpoints, rc.DocumentID, store.StageFileContent)
	state.UpdateProgress(80, fmt.Sprintf("extracted %d blocks", len(out.Blocks)))

	rc.Parse = out
	rc.FileContent = nil
	rc.HasFileContent = false
	return fmt.Sprintf("parsed %d content blocks", len(out.Blocks)), nil
}

// --- EXTRACT_BLOCKS ---

type extractBlocksStep struct {
	checkpoints store.CheckpointStore
	ttl         time.Duration
}

func (s *extractBlocksStep) Name() models.StepName { return models.StepExtractBlocks }

func (s *extractBlocksStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	if rc.Parse == nil {
		return "", errors.New("parse output unavailable")
	}
	state.UpdateProgress(10, "deriving block positions")
	positions := extract.DeriveBlockPositions(rc.Parse.Layout)
	state.UpdateProgress(30, fmt.Sprintf("derived %d positions", len(positions)))

	payload, err := json.Marshal(blockInfo{Positions: positions})
	if err != nil {
		return "", fmt.Errorf("encode block info: %w", err)
	}
	state.UpdateProgress(60, "caching block positions")
	saveCheckpoint(ctx, s.checkpoints, rc.DocumentID, store.StageBlockInfo, payload, s.ttl)
	state.UpdateProgress(80, "block positions cached")

	rc.Positions = positions
	rc.HasPositions = true
	return fmt.Sprintf("extracted %d block positions", len(positions)), nil
}

// --- PROCESS_CHUNKS ---

type processChunksStep struct {
	processor   ChunkProcessor
	checkpoints store.CheckpointStore
	ttl         time.Duration
}

func (s *processChunksStep) Name() models.StepName { return models.StepProcessChunks }

func (s *processChunksStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	if rc.Parse == nil {
		return "", errors.New("parse output unavailable")
	}
	if !rc.HasPositions {
		return "", errors.New("block positions unavailable")
	}
	doc := rc.Document
	state.UpdateProgress(10, "preparing chunk processing")

	in := &chunks.Input{
		DocumentID: doc.ID,
		DocName:    doc.Name,
		KBID:       doc.KBID,
		IndexName:  rc.IndexName,
		Blocks:     rc.Parse.Blocks,
		Positions:  rc.Positions,
		Images:     rc.Parse.Images,
		Progress: func(done, total int) {
			state.UpdateProgress(30+done*60/total, fmt.Sprintf("processed %d/%d blocks", done, total))
		},
	}
	state.UpdateProgress(20, fmt.Sprintf("processing %d blocks", len(in.Blocks)))

	res, err := s.processor.Process(ctx, in)
	if err != nil {
		return "", err
	}
	state.UpdateProgress(90, fmt.Sprintf("indexed %d chunks", res.ChunkCount))

	payload, err := json.Marshal(chunkStats{
		ChunkCount: res.ChunkCount,
		ChunkIDs:   res.ChunkIDs,
		ImageInfo:  res.ImageInfo,
	})
	if err != nil {
		return "", fmt.Errorf("encode chunk stats: %w", err)
	}
	saveCheckpoint(ctx, s.checkpoints, rc.DocumentID, store.StageChunkResult, payload, s.ttl)

	rc.ChunkCount = res.ChunkCount
	rc.ChunkIDs = res.ChunkIDs
	rc.ImageInfo = res.ImageInfo
	rc.HasChunkStats = true
	return fmt.Sprintf("produced %d chunks", res.ChunkCount), nil
}

// --- FINALIZE ---

type finalizeStep struct {
	documents   store.DocumentStore
	kbs         store.KnowledgeBaseStore
	checkpoints store.CheckpointStore
}

func (s *finalizeStep) Name() models.StepName { return models.StepFinalize }

func (s *finalizeStep) Execute(ctx context.Context, rc *RunContext, state *StepState) (string, error) {
	doc := rc.Document
	state.UpdateProgress(10, "updating document statistics")

	count := doc.ChunkCount
	if rc.HasChunkStats {
		count = rc.ChunkCount
		if err := s.documents.SetDocumentParsed(ctx, doc.ID, count); err != nil {
			return "", fmt.Errorf("record document statistics: %w", err)
		}
		if count > 0 {
			if err := s.kbs.AddKnowledgeBaseChunks(ctx, doc.KBID, count); err != nil {
				return "", fmt.Errorf("update knowledge base statistics: %w", err)
			}
		}
	} else {
		// No chunk stats reached this run (expired or consumed by an earlier
		// finalize). The persisted counters stay; only the status flips, so
		// re-finalizing never double-counts.
		if err := s.documents.SetDocumentStatus(ctx, doc.ID, models.DocStatusCompleted, "processing complete"); err != nil {
			return "", fmt.Errorf("mark document completed: %w", err)
		}
	}

	state.UpdateProgress(50, "clearing checkpoints")
	for _, stage := range store.AllStages() {
		dropCheckpoint(ctx, s.checkpoints, rc.DocumentID, stage)
	}

	return fmt.Sprintf("processing complete: %d chunks", count), nil
}
