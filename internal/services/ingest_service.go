package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"docflow/internal/extract"
	"docflow/internal/models"
	"docflow/internal/store"
)

// IngestService is the entry point for document ingestion: it registers
// documents and their bytes, admits parse runs, and answers status queries.
// The workflow itself executes inside the worker process; this service only
// talks to the shared stores and the task queue.
type IngestService struct {
	documents  store.DocumentStore
	kbs        store.KnowledgeBaseStore
	runs       store.RunStore
	tasks      store.TaskClient
	objects    store.ObjectStore
	stepStates store.StepStateStore

	deps IngestServiceDeps
}

type IngestServiceDeps struct {
	DocumentStore      store.DocumentStore
	KnowledgeBaseStore store.KnowledgeBaseStore
	RunStore           store.RunStore
	TaskClient         store.TaskClient
	ObjectStore        store.ObjectStore
	StepStateStore     store.StepStateStore
}

func NewIngestService(deps IngestServiceDeps) *IngestService {
	return &IngestService{
		documents:  deps.DocumentStore,
		kbs:        deps.KnowledgeBaseStore,
		runs:       deps.RunStore,
		tasks:      deps.TaskClient,
		objects:    deps.ObjectStore,
		stepStates: deps.StepStateStore,
		deps:       deps,
	}
}

// --- Knowledge bases ---

type CreateKnowledgeBaseParams struct {
	Name       string
	CreatedBy  string
	EmbedModel string
	EmbedDim   int
}

func (s *IngestService) CreateKnowledgeBase(ctx context.Context, params CreateKnowledgeBaseParams) (*models.KnowledgeBase, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("%w: knowledge base name is required", models.ErrValidation)
	}
	if params.EmbedDim <= 0 {
		return nil, fmt.Errorf("%w: embed dimension must be positive", models.ErrValidation)
	}
	kb := &models.KnowledgeBase{
		ID:         uuid.NewString(),
		Name:       params.Name,
		CreatedBy:  params.CreatedBy,
		EmbedModel: params.EmbedModel,
		EmbedDim:   params.EmbedDim,
	}
	if err := s.kbs.CreateKnowledgeBase(ctx, kb); err != nil {
		return nil, fmt.Errorf("create knowledge base: %w", err)
	}
	return kb, nil
}

func (s *IngestService) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	return s.kbs.GetKnowledgeBase(ctx, id)
}

// --- Document registration ---

type RegisterDocumentParams struct {
	KBID string
	Name string
	Data []byte
	Kind models.DocKind // inferred from the file name when empty
}

// RegisterDocument stores the raw bytes in object storage under the knowledge
// base's bucket and records the document row. The document starts in INIT and
// is not parsed until StartParse is called.
func (s *IngestService) RegisterDocument(ctx context.Context, params RegisterDocumentParams) (*models.Document, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("%w: document name is required", models.ErrValidation)
	}
	if len(params.Data) == 0 {
		return nil, fmt.Errorf("%w: document has no content", models.ErrValidation)
	}
	if _, err := s.kbs.GetKnowledgeBase(ctx, params.KBID); err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", params.KBID, err)
	}

	kind := params.Kind
	if kind == "" {
		kind = extract.Classify(params.Name, params.Data)
	}

	docID := uuid.NewString()
	bucket := params.KBID
	objectPath := "documents/" + docID + strings.ToLower(filepath.Ext(params.Name))
	contentType := http.DetectContentType(params.Data)

	if err := s.objects.PutObject(ctx, bucket, objectPath, params.Data, contentType); err != nil {
		return nil, fmt.Errorf("upload document bytes: %w", err)
	}

	doc := &models.Document{
		ID:        docID,
		KBID:      params.KBID,
		Name:      params.Name,
		Bucket:    bucket,
		Path:      objectPath,
		Kind:      kind,
		Status:    models.DocStatusInit,
		SizeBytes: int64(len(params.Data)),
	}
	if err := s.documents.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	log.WithFields(log.Fields{
		"document_id": doc.ID,
		"kb_id":       doc.KBID,
		"kind":        doc.Kind,
		"size":        doc.SizeBytes,
	}).Info("Registered document")

	return doc, nil
}

// --- Parse runs ---

type StartParseParams struct {
	DocumentID string
	// ResumeFrom names the step to restart at; empty means a full run.
	ResumeFrom models.StepName
}

// StartParse admits a parse run for the document and enqueues the task.
// Admission is a single conditional status write, so two concurrent calls for
// the same document cannot both win; the loser gets ErrParseInProgress.
func (s *IngestService) StartParse(ctx context.Context, params StartParseParams) (*models.Document, *asynq.TaskInfo, error) {
	doc, err := s.documents.GetDocument(ctx, params.DocumentID)
	if err != nil {
		return nil, nil, err
	}

	if params.ResumeFrom != "" {
		if models.StepIndex(params.ResumeFrom) < 0 {
			return nil, nil, fmt.Errorf("%w: %q", models.ErrUnknownStep, params.ResumeFrom)
		}
	}

	ok, err := s.documents.TryMarkProcessing(ctx, doc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("admit parse run: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: document %s", models.ErrParseInProgress, doc.ID)
	}

	if s.stepStates != nil {
		if err := s.stepStates.ClearStepStatuses(ctx, doc.ID); err != nil {
			log.Warnf("Failed to clear step statuses for document %s: %v", doc.ID, err)
		}
	}

	info, err := s.tasks.SubmitParse(ctx, doc.ID, params.ResumeFrom)
	if err != nil {
		// The document was already marked PROCESSING; do not leave it stuck.
		if stErr := s.documents.SetDocumentStatus(ctx, doc.ID, models.DocStatusFailed, "failed to enqueue parse task"); stErr != nil {
			log.Errorf("Failed to reset document %s status after enqueue failure: %v", doc.ID, stErr)
		}
		return nil, nil, fmt.Errorf("enqueue parse task: %w", err)
	}

	doc.Status = models.DocStatusProcessing
	doc.Progress = 0
	doc.Message = ""
	return doc, info, nil
}

// CancelParse requests cancellation of the document's active parse run.
// Delivery is cooperative: the worker's handler context is cancelled and the
// engine stops at the next step boundary.
func (s *IngestService) CancelParse(ctx context.Context, documentID string) error {
	doc, err := s.documents.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != models.DocStatusProcessing {
		return fmt.Errorf("%w: document %s is not being processed (status %s)", models.ErrConflict, doc.ID, doc.Status)
	}

	run, err := s.runs.GetLastRun(ctx, doc.ID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("look up last run: %w", err)
	}
	if run != nil && run.TaskID != "" {
		if err := s.tasks.CancelTask(ctx, run.TaskID); err != nil {
			// The task may have finished or never started; the status write
			// below still records the intent.
			log.Warnf("Cancel task %s for document %s: %v", run.TaskID, doc.ID, err)
		}
	}

	if err := s.documents.SetDocumentStatus(ctx, doc.ID, models.DocStatusCancelled, "cancellation requested"); err != nil {
		return fmt.Errorf("mark document cancelled: %w", err)
	}
	log.WithFields(log.Fields{"document_id": doc.ID}).Info("Requested parse cancellation")
	return nil
}

// --- Status queries ---

type StepStatusEntry struct {
	Name   models.StepName   `json:"name"`
	Status models.StepStatus `json:"status"`
}

type ParseStatusResult struct {
	Document *models.Document          `json:"document"`
	Run      *models.WorkflowRunRecord `json:"run,omitempty"`
	Steps    []StepStatusEntry         `json:"steps"`
}

// ParseStatus reports the document row, the most recent run record, and the
// per-step statuses of the current or last run. Steps never recorded report
// PENDING.
func (s *IngestService) ParseStatus(ctx context.Context, documentID string) (*ParseStatusResult, error) {
	doc, err := s.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	run, err := s.runs.GetLastRun(ctx, doc.ID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("look up last run: %w", err)
	}

	recorded := map[models.StepName]models.StepStatus{}
	if s.stepStates != nil {
		recorded, err = s.stepStates.StepStatuses(ctx, doc.ID)
		if err != nil {
			log.Warnf("Failed to read step statuses for document %s: %v", doc.ID, err)
			recorded = map[models.StepName]models.StepStatus{}
		}
	}

	steps := make([]StepStatusEntry, 0, len(models.StepOrder()))
	for _, name := range models.StepOrder() {
		status, ok := recorded[name]
		if !ok {
			status = models.StepPending
		}
		steps = append(steps, StepStatusEntry{Name: name, Status: status})
	}

	return &ParseStatusResult{Document: doc, Run: run, Steps: steps}, nil
}

// StepStatus reports a single step's status for the document's current or
// last run, PENDING if the step was never recorded.
func (s *IngestService) StepStatus(ctx context.Context, documentID, step string) (models.StepStatus, error) {
	name, err := models.ParseStepName(step)
	if err != nil {
		return "", err
	}
	if _, err := s.documents.GetDocument(ctx, documentID); err != nil {
		return "", err
	}

	if s.stepStates == nil {
		return models.StepPending, nil
	}
	recorded, err := s.stepStates.StepStatuses(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("read step statuses: %w", err)
	}
	if status, ok := recorded[name]; ok {
		return status, nil
	}
	return models.StepPending, nil
}

// ListDocuments returns the documents in a knowledge base, newest first.
func (s *IngestService) ListDocuments(ctx context.Context, kbID string, limit, offset int) ([]*models.Document, error) {
	return s.documents.ListDocuments(ctx, kbID, limit, offset)
}

// ListRuns returns the run history for a document, newest first.
func (s *IngestService) ListRuns(ctx context.Context, documentID string, limit int) ([]*models.WorkflowRunRecord, error) {
	return s.runs.ListRuns(ctx, documentID, limit)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, models.ErrNotFound)
}
