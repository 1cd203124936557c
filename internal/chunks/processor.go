package chunks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/neurosnap/sentences"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/store"
)

// DefaultMaxContentRunes caps chunk content before embedding. Whole
// sentences are kept up to the cap.
const DefaultMaxContentRunes = 8000

// Processor turns a block list into persisted, indexed chunks. Failures are
// isolated per block: one bad chunk is logged and skipped while its siblings
// proceed. Only systemic conditions, like being unable to create the target
// index, fail the whole pass.
type Processor struct {
	embedder store.EmbeddingService
	objects  store.ObjectStore
	index    store.VectorIndex

	pool            *ants.Pool
	maxContentRunes int
	sentenceTok     *sentences.DefaultSentenceTokenizer
}

type ProcessorDeps struct {
	Embedder store.EmbeddingService
	Objects  store.ObjectStore
	Index    store.VectorIndex
	// Workers bounds the per-chunk pool; 0 or 1 keeps processing sequential.
	Workers int
	// MaxContentRunes overrides DefaultMaxContentRunes when positive.
	MaxContentRunes int
}

func NewProcessor(deps ProcessorDeps) (*Processor, error) {
	if deps.Embedder == nil || deps.Objects == nil || deps.Index == nil {
		return nil, errors.New("chunk processor requires embedder, object store, and vector index")
	}
	p := &Processor{
		embedder:        deps.Embedder,
		objects:         deps.Objects,
		index:           deps.Index,
		maxContentRunes: deps.MaxContentRunes,
		sentenceTok:     sentences.NewSentenceTokenizer(nil),
	}
	if p.maxContentRunes <= 0 {
		p.maxContentRunes = DefaultMaxContentRunes
	}
	if deps.Workers > 1 {
		pool, err := ants.NewPool(deps.Workers)
		if err != nil {
			return nil, fmt.Errorf("create chunk worker pool: %w", err)
		}
		p.pool = pool
	}
	return p, nil
}

// Close releases the worker pool. The processor is unusable afterwards.
func (p *Processor) Close() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Input carries one document's blocks through chunk processing. Blocks and
// Positions are parallel lists; positions beyond the list default to page 0
// with a zero box. Progress, when set, is called after every finished block
// with the number done so far; in pooled mode calls arrive from multiple
// goroutines.
type Input struct {
	DocumentID string
	DocName    string
	KBID       string
	IndexName  string
	Blocks     []models.Block
	Positions  []models.BlockPosition
	Images     map[string][]byte
	Progress   func(done, total int)
}

// Result reports what one processing pass persisted. ChunkIDs carries no
// ordering guarantee when the pool is active.
type Result struct {
	ChunkCount int
	ChunkIDs   []string
	ImageInfo  []models.ImageRef
}

// runState is the mutable state shared by in-flight blocks of one pass.
type runState struct {
	mu       sync.Mutex
	chunkIDs []string
	images   []models.ImageRef
	done     int64
}

func (p *Processor) Process(ctx context.Context, in *Input) (*Result, error) {
	if len(in.Blocks) == 0 {
		return nil, errors.New("no content blocks to process")
	}
	if err := p.index.EnsureIndex(ctx, in.IndexName, p.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("ensure index %s: %w", in.IndexName, err)
	}

	st := &runState{}
	total := len(in.Blocks)

	if p.pool == nil {
		for i := range in.Blocks {
			p.processBlock(ctx, in, i, st, total)
		}
	} else {
		var wg sync.WaitGroup
		for i := range in.Blocks {
			i := i
			wg.Add(1)
			if err := p.pool.Submit(func() {
				defer wg.Done()
				p.processBlock(ctx, in, i, st, total)
			}); err != nil {
				// Submission fails only when the pool is released; run the
				// block inline rather than dropping it.
				p.processBlock(ctx, in, i, st, total)
				wg.Done()
			}
		}
		wg.Wait()
	}

	return &Result{
		ChunkCount: len(st.chunkIDs),
		ChunkIDs:   st.chunkIDs,
		ImageInfo:  st.images,
	}, nil
}

func (p *Processor) processBlock(ctx context.Context, in *Input, idx int, st *runState, total int) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"document_id": in.DocumentID,
				"block":       idx,
				"panic":       r,
			}).Error("Panic while processing chunk, skipping")
		}
		if in.Progress != nil {
			in.Progress(int(atomic.AddInt64(&st.done, 1)), total)
		}
	}()

	block := in.Blocks[idx]
	pos := positionAt(in.Positions, idx)

	if block.Type == models.BlockImage {
		p.sidelineImage(ctx, in, block, st)
		return
	}

	content := blockContent(block)
	if strings.TrimSpace(content) == "" {
		return
	}
	content = truncateAtSentence(p.sentenceTok, content, p.maxContentRunes)

	vector, err := p.embedder.GenerateEmbedding(ctx, content)
	if err != nil {
		log.WithFields(log.Fields{
			"document_id": in.DocumentID,
			"block":       idx,
		}).WithError(fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)).Warn("Skipping chunk")
		return
	}

	chunkID := uuid.NewString()
	if err := p.objects.PutObject(ctx, in.KBID, chunkID, []byte(content), ""); err != nil {
		log.WithFields(log.Fields{
			"document_id": in.DocumentID,
			"block":       idx,
			"chunk_id":    chunkID,
		}).WithError(err).Warn("Failed to store chunk body, skipping")
		return
	}

	now := time.Now()
	doc := &models.ChunkDocument{
		DocID:           in.DocumentID,
		KBID:            in.KBID,
		DocName:         in.DocName,
		TitleTokens:     Tokenize(in.DocName),
		ContentTokens:   Tokenize(content),
		PageNumbers:     []int{pos.PageIndex + 1},
		Positions:       [][5]int{positionRow(pos)},
		Top:             []int{1},
		CreateTime:      now.Format("2006-01-02 15:04:05"),
		CreateTimestamp: float64(now.UnixNano()) / 1e9,
		ImageID:         "",
		Vector:          vector,
	}
	// The search engine has no separate fine-grained analyzer; the small
	// token fields carry the same tokenization.
	doc.TitleSmallTokens = doc.TitleTokens
	doc.ContentSmallTokens = doc.ContentTokens

	if err := p.index.IndexChunk(ctx, in.IndexName, chunkID, doc); err != nil {
		log.WithFields(log.Fields{
			"document_id": in.DocumentID,
			"block":       idx,
			"chunk_id":    chunkID,
		}).WithError(err).Warn("Failed to index chunk, skipping")
		return
	}

	st.mu.Lock()
	st.chunkIDs = append(st.chunkIDs, chunkID)
	st.mu.Unlock()
}

// sidelineImage uploads one image block's bytes under the knowledge base
// bucket, makes the bucket publicly readable, and records the public URL
// against the count of chunks emitted so far. Image failures never fail the
// pass.
func (p *Processor) sidelineImage(ctx context.Context, in *Input, block models.Block, st *runState) {
	fields := log.Fields{"document_id": in.DocumentID, "img_path": block.ImagePath}

	data, ok := in.Images[block.ImagePath]
	if !ok || len(data) == 0 {
		log.WithFields(fields).Warn("Image bytes missing from parse output, skipping image")
		return
	}

	ext := strings.ToLower(filepath.Ext(block.ImagePath))
	if ext == "" {
		ext = ".png"
	}
	contentType := "image/" + strings.TrimPrefix(ext, ".")
	if contentType == "image/jpeg" {
		contentType = "image/jpg"
	}
	key := "images/" + uuid.NewString() + ext

	if err := p.objects.EnsureBucket(ctx, in.KBID); err != nil {
		log.WithFields(fields).WithError(err).Warn("Failed to ensure bucket for image, skipping image")
		return
	}
	if err := p.objects.PutObject(ctx, in.KBID, key, data, contentType); err != nil {
		log.WithFields(fields).WithError(err).Warn("Failed to upload image, skipping image")
		return
	}
	if err := p.objects.SetBucketPolicy(ctx, in.KBID, publicReadPolicy(in.KBID)); err != nil {
		log.WithFields(fields).WithError(err).Warn("Failed to set public-read policy, skipping image")
		return
	}

	st.mu.Lock()
	st.images = append(st.images, models.ImageRef{
		URL:      p.objects.PublicURL(in.KBID, key),
		Position: len(st.chunkIDs),
	})
	st.mu.Unlock()
}

// blockContent assembles the embeddable text of one block. Table captions
// join with single spaces and concatenate directly with the body; types
// without text content yield an empty string and emit no chunk.
func blockContent(block models.Block) string {
	switch block.Type {
	case models.BlockText, models.BlockEquation:
		return strings.TrimSpace(block.Text)
	case models.BlockTable:
		return strings.Join(block.TableCaption, " ") + block.TableBody
	default:
		return ""
	}
}

func positionAt(positions []models.BlockPosition, idx int) models.BlockPosition {
	if idx < len(positions) {
		return positions[idx]
	}
	return models.BlockPosition{}
}

// positionRow renders one position as [page, x1, x2, y1, y2] with a 1-based
// page, reordering the [x1, y1, x2, y2] box.
func positionRow(pos models.BlockPosition) [5]int {
	return [5]int{
		pos.PageIndex + 1,
		int(pos.BBox[0]),
		int(pos.BBox[2]),
		int(pos.BBox[1]),
		int(pos.BBox[3]),
	}
}

// publicReadPolicy renders the standard S3 anonymous-read policy for bucket.
func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"AWS": ["*"]},
      "Action": ["s3:GetObject"],
      "Resource": ["arn:aws:s3:::%s/*"]
    }
  ]
}`, bucket)
}
