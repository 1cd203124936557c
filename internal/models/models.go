package models

import (
	"encoding/json"
	"time"
)

// DocKind classifies a stored document for extraction dispatch.
type DocKind string

const (
	DocKindPDF         DocKind = "pdf"
	DocKindOffice      DocKind = "office"
	DocKindSpreadsheet DocKind = "spreadsheet"
	DocKindImage       DocKind = "image"
	DocKindPlain       DocKind = "plain"
)

type KnowledgeBase struct {
	ID         string    `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	CreatedBy  string    `db:"created_by" json:"created_by,omitempty"`
	EmbedModel string    `db:"embed_model" json:"embed_model"`
	EmbedDim   int       `db:"embed_dim" json:"embed_dim"`
	ChunkCount int       `db:"chunk_count" json:"chunk_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

type Document struct {
	ID         string         `db:"id" json:"id"`
	KBID       string         `db:"kb_id" json:"kb_id"`
	Name       string         `db:"name" json:"name"`
	Bucket     string         `db:"bucket" json:"bucket"`
	Path       string         `db:"path" json:"path"`
	Kind       DocKind        `db:"kind" json:"kind"`
	Status     DocumentStatus `db:"status" json:"status"`
	Progress   int            `db:"progress" json:"progress"`
	Message    string         `db:"message" json:"message,omitempty"`
	ChunkCount int            `db:"chunk_count" json:"chunk_count"`
	SizeBytes  int64          `db:"size_bytes" json:"size_bytes"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// BlockType tags one unit of extracted content.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockTable    BlockType = "table"
	BlockEquation BlockType = "equation"
	BlockImage    BlockType = "image"
)

// Block is one canonical content unit produced by the extraction adapter,
// in document order.
type Block struct {
	Type         BlockType `json:"type"`
	Text         string    `json:"text,omitempty"`
	TableCaption []string  `json:"table_caption,omitempty"`
	TableBody    string    `json:"table_body,omitempty"`
	ImagePath    string    `json:"img_path,omitempty"`
}

// BlockPosition carries the positional metadata derived for one block.
// BBox is [x1, y1, x2, y2] in page coordinates as emitted by the extractor.
type BlockPosition struct {
	PageIndex int        `json:"page_index"`
	BBox      [4]float64 `json:"bbox"`
}

// Chunk is a persisted, embedded unit of document content. Chunks are
// write-once.
type Chunk struct {
	ID         string     `json:"chunk_id"`
	DocumentID string     `json:"document_id"`
	KBID       string     `json:"kb_id"`
	PageIndex  int        `json:"page_index"`
	BBox       [4]float64 `json:"bounding_box"`
	Content    string     `json:"content"`
	Vector     []float32  `json:"vector"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ChunkDocument is the record indexed into the vector search engine for one
// chunk. Position rows are [page, x1, x2, y1, y2] with 1-based pages.
type ChunkDocument struct {
	DocID               string    `json:"doc_id"`
	KBID                string    `json:"kb_id"`
	DocName             string    `json:"docnm_kwd"`
	TitleTokens         string    `json:"title_tks"`
	TitleSmallTokens    string    `json:"title_sm_tks"`
	ContentTokens       string    `json:"content_ltks"`
	ContentSmallTokens  string    `json:"content_sm_ltks"`
	PageNumbers         []int     `json:"page_num_int"`
	Positions           [][5]int  `json:"position_int"`
	Top                 []int     `json:"top_int"`
	CreateTime          string    `json:"create_time"`
	CreateTimestamp     float64   `json:"create_timestamp_flt"`
	ImageID             string    `json:"img_id"`
	Vector              []float32 `json:"-"`
}

// ImageRef records a publicly reachable image extracted from a document and
// the chunk position it attaches to.
type ImageRef struct {
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// WorkflowResult is the structured outcome of one workflow run. It is the
// only thing handed back across the task boundary; errors never propagate as
// panics or returned Go errors.
type WorkflowResult struct {
	DocumentID     string     `json:"document_id"`
	Success        bool       `json:"success"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	ChunkCount     int        `json:"chunk_count"`
	ChunkIDs       []string   `json:"chunk_ids,omitempty"`
	ImageInfo      []ImageRef `json:"image_info,omitempty"`
	CompletedSteps []StepName `json:"completed_steps"`
	FailedStep     StepName   `json:"failed_step,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// WorkflowRunRecord mirrors the workflow_runs table schema.
type WorkflowRunRecord struct {
	ID         int64           `db:"id" json:"id"`
	DocumentID string          `db:"document_id" json:"document_id"`
	TaskID     string          `db:"task_id" json:"task_id"`
	Queue      string          `db:"queue" json:"queue"`
	ResumeFrom string          `db:"resume_from" json:"resume_from,omitempty"`
	Status     string          `db:"status" json:"status"`
	FailedStep string          `db:"failed_step" json:"failed_step,omitempty"`
	Result     json.RawMessage `db:"result" json:"result,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}
