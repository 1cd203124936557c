package workflow

import (
	"docflow/internal/extract"
	"docflow/internal/models"
)

// RunContext is the mutable state accumulated across one run's steps. It is
// owned exclusively by the engine goroutine executing the run and never
// shared between documents. Has* flags distinguish "artifact absent" from a
// legitimately empty value; absence makes the consuming step re-run the
// producer.
type RunContext struct {
	DocumentID string
	ResumeFrom models.StepName

	Document  *models.Document
	KB        *models.KnowledgeBase
	IndexName string

	FileContent    []byte
	HasFileContent bool

	Parse *extract.ParseOutput

	Positions    []models.BlockPosition
	HasPositions bool

	ChunkCount    int
	ChunkIDs      []string
	ImageInfo     []models.ImageRef
	HasChunkStats bool
}

// chunkStats is the chunk_result checkpoint artifact.
type chunkStats struct {
	ChunkCount int               `json:"chunk_count"`
	ChunkIDs   []string          `json:"chunk_ids"`
	ImageInfo  []models.ImageRef `json:"image_info,omitempty"`
}

// blockInfo is the block_info checkpoint artifact. Wrapping the list keeps
// "no positions" distinguishable from "artifact missing" after a round trip.
type blockInfo struct {
	Positions []models.BlockPosition `json:"positions"`
}
