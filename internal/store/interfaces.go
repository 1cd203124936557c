package store

import (
	"context"
	"time"

	"docflow/internal/models"

	"github.com/hibiken/asynq"
)

// --- Provider Status (defined here so providers and services share it) ---

type ProviderStatus int

const (
	ProviderStatusUnknown  ProviderStatus = iota // Default zero value
	ProviderStatusActive                         // Provider is operational
	ProviderStatusInactive                       // Provider is temporarily unavailable (e.g., network, rate limit)
	ProviderStatusDisabled                       // Provider is not configured or explicitly disabled
)

// --- Checkpoint Store ---

// StageKey names one checkpointed artifact of a workflow run.
type StageKey string

const (
	StageFileContent StageKey = "file_content"
	StageParseResult StageKey = "parse_result"
	StageBlockInfo   StageKey = "block_info"
	StageChunkResult StageKey = "chunk_result"
)

// AllStages returns every checkpoint stage, in pipeline order.
func AllStages() []StageKey {
	return []StageKey{StageFileContent, StageParseResult, StageBlockInfo, StageChunkResult}
}

// CheckpointStore caches intermediate artifacts per (document, stage) with
// expiry. Keys are independent; no cross-key atomicity is promised.
type CheckpointStore interface {
	Put(ctx context.Context, documentID string, stage StageKey, value []byte, ttl time.Duration) error
	// Get reports ok=false when no artifact exists. Absence is a cache miss,
	// not an error; callers must treat it as "re-run the producing step".
	Get(ctx context.Context, documentID string, stage StageKey) ([]byte, bool, error)
	Delete(ctx context.Context, documentID string, stage StageKey) error

	Ping(ctx context.Context) error
	Close() error
}

// --- Step State Store ---

// StepStateStore shares per-step run statuses between the worker that
// executes a workflow and the processes that answer status queries. Entries
// expire on their own; ClearStepStatuses resets them when a new run is
// admitted.
type StepStateStore interface {
	SetStepStatus(ctx context.Context, documentID string, step models.StepName, status models.StepStatus) error
	StepStatuses(ctx context.Context, documentID string) (map[models.StepName]models.StepStatus, error)
	ClearStepStatuses(ctx context.Context, documentID string) error
}

// --- Object Storage ---

type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	SetBucketPolicy(ctx context.Context, bucket, policy string) error
	EnsureBucket(ctx context.Context, bucket string) error
	// PublicURL renders the externally reachable URL for an object; no I/O.
	PublicURL(bucket, key string) string
}

// --- Vector Search Engine ---

type VectorIndex interface {
	// EnsureIndex is idempotent: a no-op when the index already exists.
	EnsureIndex(ctx context.Context, name string, dimension int) error
	IndexChunk(ctx context.Context, indexName, id string, doc *models.ChunkDocument) error

	Ping(ctx context.Context) error
	Close() error
}

// --- Embedding Service ---

type EmbeddingService interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
	Name() string
	Status() ProviderStatus
}

// --- Document / Knowledge Base Store ---

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, kbID string, limit, offset int) ([]*models.Document, error)
	UpdateDocumentProgress(ctx context.Context, id string, progress int, message string) error
	SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error
	// TryMarkProcessing is the conditional-write admission guard: it flips the
	// document to PROCESSING only when no run is in flight and reports whether
	// it won the write.
	TryMarkProcessing(ctx context.Context, id string) (bool, error)
	SetDocumentParsed(ctx context.Context, id string, chunkCount int) error

	Ping(ctx context.Context) error
}

type KnowledgeBaseStore interface {
	CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	AddKnowledgeBaseChunks(ctx context.Context, id string, delta int) error
}

// --- Run Store ---

// RunRecordParams holds parameters for recording a run enqueue event.
type RunRecordParams struct {
	TaskID     string
	DocumentID string
	Queue      string
	ResumeFrom string
	Status     string
}

type RunStore interface {
	RecordRunEnqueue(ctx context.Context, params RunRecordParams) error
	UpdateRunStatus(ctx context.Context, taskID, status string) error
	RecordRunResult(ctx context.Context, documentID string, result *models.WorkflowResult) error
	GetLastRun(ctx context.Context, documentID string) (*models.WorkflowRunRecord, error)
	ListRuns(ctx context.Context, documentID string, limit int) ([]*models.WorkflowRunRecord, error)
}

// --- Task Client ---

// TaskClient is the submission facade over the external task runner.
type TaskClient interface {
	SubmitParse(ctx context.Context, documentID string, resumeFrom models.StepName) (*asynq.TaskInfo, error)
	TaskStatus(ctx context.Context, queue, taskID string) (*asynq.TaskInfo, error)
	CancelTask(ctx context.Context, taskID string) error
	Close() error
}
