package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/models"
	"docflow/internal/services"
	"docflow/internal/store"
	"docflow/internal/tasks"
)

// --- fakes ---

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string]*models.Document)}
}

func (f *fakeDocs) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocs) ListDocuments(ctx context.Context, kbID string, limit, offset int) ([]*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Document
	for _, doc := range f.docs {
		if doc.KBID == kbID {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocs) UpdateDocumentProgress(ctx context.Context, id string, progress int, message string) error {
	return nil
}

func (f *fakeDocs) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		doc.Message = message
	}
	return nil
}

func (f *fakeDocs) TryMarkProcessing(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if doc.Status == models.DocStatusProcessing {
		return false, nil
	}
	doc.Status = models.DocStatusProcessing
	return true, nil
}

func (f *fakeDocs) SetDocumentParsed(ctx context.Context, id string, chunkCount int) error {
	return nil
}

func (f *fakeDocs) Ping(ctx context.Context) error { return nil }

func (f *fakeDocs) status(id string) models.DocumentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		return doc.Status
	}
	return ""
}

type fakeKBs struct {
	mu  sync.Mutex
	kbs map[string]*models.KnowledgeBase
}

func newFakeKBs() *fakeKBs {
	return &fakeKBs{kbs: make(map[string]*models.KnowledgeBase)}
}

func (f *fakeKBs) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *kb
	f.kbs[kb.ID] = &cp
	return nil
}

func (f *fakeKBs) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.kbs[id]
	if !ok {
		return nil, fmt.Errorf("knowledge base %s: %w", id, models.ErrNotFound)
	}
	cp := *kb
	return &cp, nil
}

func (f *fakeKBs) AddKnowledgeBaseChunks(ctx context.Context, id string, delta int) error {
	return nil
}

type fakeRuns struct {
	mu      sync.Mutex
	lastRun *models.WorkflowRunRecord
	runs    []*models.WorkflowRunRecord
}

func (f *fakeRuns) RecordRunEnqueue(ctx context.Context, params store.RunRecordParams) error {
	return nil
}

func (f *fakeRuns) UpdateRunStatus(ctx context.Context, taskID, status string) error { return nil }

func (f *fakeRuns) RecordRunResult(ctx context.Context, documentID string, result *models.WorkflowResult) error {
	return nil
}

func (f *fakeRuns) GetLastRun(ctx context.Context, documentID string) (*models.WorkflowRunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRun == nil {
		return nil, models.ErrNotFound
	}
	return f.lastRun, nil
}

func (f *fakeRuns) ListRuns(ctx context.Context, documentID string, limit int) ([]*models.WorkflowRunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, nil
}

type submitCall struct {
	documentID string
	resumeFrom models.StepName
}

type fakeTaskClient struct {
	mu        sync.Mutex
	submits   []submitCall
	submitErr error
	cancelled []string
	cancelErr error
}

func (f *fakeTaskClient) SubmitParse(ctx context.Context, documentID string, resumeFrom models.StepName) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, submitCall{documentID: documentID, resumeFrom: resumeFrom})
	return &asynq.TaskInfo{ID: "task-123", Queue: tasks.QueueIngest, Type: tasks.TypeDocumentParse}, nil
}

func (f *fakeTaskClient) TaskStatus(ctx context.Context, queue, taskID string) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: taskID, Queue: queue}, nil
}

func (f *fakeTaskClient) CancelTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeTaskClient) Close() error { return nil }

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, models.ErrNotFound)
	}
	return data, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) SetBucketPolicy(ctx context.Context, bucket, policy string) error { return nil }
func (f *fakeObjects) EnsureBucket(ctx context.Context, bucket string) error            { return nil }
func (f *fakeObjects) PublicURL(bucket, key string) string                              { return "http://objstore.local/" + bucket + "/" + key }

type fakeStepStates struct {
	mu       sync.Mutex
	statuses map[string]map[models.StepName]models.StepStatus
	clears   int
}

func newFakeStepStates() *fakeStepStates {
	return &fakeStepStates{statuses: make(map[string]map[models.StepName]models.StepStatus)}
}

func (f *fakeStepStates) SetStepStatus(ctx context.Context, documentID string, step models.StepName, status models.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.statuses[documentID]
	if !ok {
		m = make(map[models.StepName]models.StepStatus)
		f.statuses[documentID] = m
	}
	m[step] = status
	return nil
}

func (f *fakeStepStates) StepStatuses(ctx context.Context, documentID string) (map[models.StepName]models.StepStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.StepName]models.StepStatus, len(f.statuses[documentID]))
	for step, status := range f.statuses[documentID] {
		out[step] = status
	}
	return out, nil
}

func (f *fakeStepStates) ClearStepStatuses(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	delete(f.statuses, documentID)
	return nil
}

// --- fixture ---

type serviceFixture struct {
	docs    *fakeDocs
	kbs     *fakeKBs
	runs    *fakeRuns
	tasks   *fakeTaskClient
	objects *fakeObjects
	states  *fakeStepStates
	svc     *services.IngestService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		docs:    newFakeDocs(),
		kbs:     newFakeKBs(),
		runs:    &fakeRuns{},
		tasks:   &fakeTaskClient{},
		objects: newFakeObjects(),
		states:  newFakeStepStates(),
	}
	f.svc = services.NewIngestService(services.IngestServiceDeps{
		DocumentStore:      f.docs,
		KnowledgeBaseStore: f.kbs,
		RunStore:           f.runs,
		TaskClient:         f.tasks,
		ObjectStore:        f.objects,
		StepStateStore:     f.states,
	})
	f.kbs.kbs["kb-1"] = &models.KnowledgeBase{ID: "kb-1", Name: "handbook", EmbedModel: "text-embedding-3-large", EmbedDim: 1536}
	return f
}

func (f *serviceFixture) addDocument(t *testing.T, id string, status models.DocumentStatus) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:     id,
		KBID:   "kb-1",
		Name:   "guide.pdf",
		Bucket: "kb-1",
		Path:   "documents/" + id + ".pdf",
		Kind:   models.DocKindPDF,
		Status: status,
	}
	require.NoError(t, f.docs.CreateDocument(context.Background(), doc))
	return doc
}

// --- tests ---

func TestCreateKnowledgeBase(t *testing.T) {
	f := newServiceFixture(t)

	kb, err := f.svc.CreateKnowledgeBase(context.Background(), services.CreateKnowledgeBaseParams{
		Name:       "contracts",
		CreatedBy:  "ops",
		EmbedModel: "text-embedding-3-large",
		EmbedDim:   1536,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, kb.ID)
	assert.Equal(t, "contracts", kb.Name)
	assert.Equal(t, 1536, kb.EmbedDim)

	stored, err := f.kbs.GetKnowledgeBase(context.Background(), kb.ID)
	require.NoError(t, err)
	assert.Equal(t, kb.Name, stored.Name)

	_, err = f.svc.CreateKnowledgeBase(context.Background(), services.CreateKnowledgeBaseParams{EmbedDim: 4})
	assert.ErrorIs(t, err, models.ErrValidation, "name is required")

	_, err = f.svc.CreateKnowledgeBase(context.Background(), services.CreateKnowledgeBaseParams{Name: "x"})
	assert.ErrorIs(t, err, models.ErrValidation, "dimension must be positive")
}

func TestRegisterDocument(t *testing.T) {
	f := newServiceFixture(t)

	doc, err := f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{
		KBID: "kb-1",
		Name: "Quarterly Report.PDF",
		Data: []byte("%PDF-1.7 content"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "kb-1", doc.KBID)
	assert.Equal(t, "kb-1", doc.Bucket, "documents live in their knowledge base's bucket")
	assert.Equal(t, "documents/"+doc.ID+".pdf", doc.Path, "extension is normalized to lower case")
	assert.Equal(t, models.DocKindPDF, doc.Kind, "kind is classified from the file name")
	assert.Equal(t, models.DocStatusInit, doc.Status)
	assert.Equal(t, int64(len("%PDF-1.7 content")), doc.SizeBytes)

	data, err := f.objects.GetObject(context.Background(), doc.Bucket, doc.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 content"), data)

	stored, err := f.docs.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Path, stored.Path)
}

func TestRegisterDocumentValidation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{KBID: "kb-1", Data: []byte("x")})
	assert.ErrorIs(t, err, models.ErrValidation, "name is required")

	_, err = f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{KBID: "kb-1", Name: "a.txt"})
	assert.ErrorIs(t, err, models.ErrValidation, "content is required")

	_, err = f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{KBID: "missing", Name: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, models.ErrNotFound, "knowledge base must exist")
}

func TestRegisterDocumentKindOverride(t *testing.T) {
	f := newServiceFixture(t)

	doc, err := f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{
		KBID: "kb-1",
		Name: "logs.bin",
		Data: []byte("line one\nline two"),
		Kind: models.DocKindPlain,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DocKindPlain, doc.Kind, "an explicit kind wins over classification")
}

func TestRegisterDocumentUploadFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.objects.putErr = errors.New("bucket quota exceeded")

	_, err := f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{
		KBID: "kb-1",
		Name: "a.txt",
		Data: []byte("x"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload document bytes")
	assert.Empty(t, f.docs.docs, "no document row without its bytes")
}

func TestStartParse(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusInit)

	doc, info, err := f.svc.StartParse(context.Background(), services.StartParseParams{DocumentID: "doc-1"})
	require.NoError(t, err)

	assert.Equal(t, models.DocStatusProcessing, doc.Status)
	assert.Equal(t, "task-123", info.ID)
	assert.Equal(t, tasks.QueueIngest, info.Queue)

	require.Len(t, f.tasks.submits, 1)
	assert.Equal(t, submitCall{documentID: "doc-1"}, f.tasks.submits[0])
	assert.Equal(t, 1, f.states.clears, "stale step statuses are cleared on admission")
	assert.Equal(t, models.DocStatusProcessing, f.docs.status("doc-1"))
}

func TestStartParseResumePassesThrough(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusFailed)

	_, _, err := f.svc.StartParse(context.Background(), services.StartParseParams{
		DocumentID: "doc-1",
		ResumeFrom: models.StepProcessChunks,
	})
	require.NoError(t, err)
	require.Len(t, f.tasks.submits, 1)
	assert.Equal(t, models.StepProcessChunks, f.tasks.submits[0].resumeFrom)
}

func TestStartParseRejectsUnknownResumeStep(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusInit)

	_, _, err := f.svc.StartParse(context.Background(), services.StartParseParams{
		DocumentID: "doc-1",
		ResumeFrom: "TRANSMOGRIFY",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownStep)
	assert.Empty(t, f.tasks.submits)
	assert.Equal(t, models.DocStatusInit, f.docs.status("doc-1"), "rejected requests never claim admission")
}

func TestStartParseSingleWinner(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)

	_, _, err := f.svc.StartParse(context.Background(), services.StartParseParams{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrParseInProgress)
	assert.Empty(t, f.tasks.submits, "the losing caller must not enqueue")
}

func TestStartParseEnqueueFailureReleasesDocument(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusInit)
	f.tasks.submitErr = errors.New("redis down")

	_, _, err := f.svc.StartParse(context.Background(), services.StartParseParams{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue parse task")
	assert.Equal(t, models.DocStatusFailed, f.docs.status("doc-1"), "the document must not stay stuck in PROCESSING")
}

func TestStartParseUnknownDocument(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartParse(context.Background(), services.StartParseParams{DocumentID: "ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelParse(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)
	f.runs.lastRun = &models.WorkflowRunRecord{DocumentID: "doc-1", TaskID: "task-9", Status: models.RunStatusRunning}

	require.NoError(t, f.svc.CancelParse(context.Background(), "doc-1"))

	assert.Equal(t, []string{"task-9"}, f.tasks.cancelled)
	assert.Equal(t, models.DocStatusCancelled, f.docs.status("doc-1"))
}

func TestCancelParseRequiresActiveRun(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusCompleted)

	err := f.svc.CancelParse(context.Background(), "doc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCancelParseWithoutRunRecord(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)

	require.NoError(t, f.svc.CancelParse(context.Background(), "doc-1"), "a missing run row only skips the task cancel")
	assert.Empty(t, f.tasks.cancelled)
	assert.Equal(t, models.DocStatusCancelled, f.docs.status("doc-1"))
}

func TestCancelParseToleratesTaskClientErrors(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)
	f.runs.lastRun = &models.WorkflowRunRecord{DocumentID: "doc-1", TaskID: "task-9"}
	f.tasks.cancelErr = errors.New("task already finished")

	require.NoError(t, f.svc.CancelParse(context.Background(), "doc-1"))
	assert.Equal(t, models.DocStatusCancelled, f.docs.status("doc-1"), "the intent is recorded either way")
}

func TestParseStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)
	f.runs.lastRun = &models.WorkflowRunRecord{DocumentID: "doc-1", TaskID: "task-9", Status: models.RunStatusRunning}
	ctx := context.Background()
	require.NoError(t, f.states.SetStepStatus(ctx, "doc-1", models.StepInit, models.StepCompleted))
	require.NoError(t, f.states.SetStepStatus(ctx, "doc-1", models.StepFetchContent, models.StepRunning))

	status, err := f.svc.ParseStatus(ctx, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, "doc-1", status.Document.ID)
	require.NotNil(t, status.Run)
	assert.Equal(t, "task-9", status.Run.TaskID)

	require.Len(t, status.Steps, len(models.StepOrder()), "every pipeline step is reported")
	byName := make(map[models.StepName]models.StepStatus, len(status.Steps))
	for i, entry := range status.Steps {
		assert.Equal(t, models.StepOrder()[i], entry.Name, "steps keep pipeline order")
		byName[entry.Name] = entry.Status
	}
	assert.Equal(t, models.StepCompleted, byName[models.StepInit])
	assert.Equal(t, models.StepRunning, byName[models.StepFetchContent])
	assert.Equal(t, models.StepPending, byName[models.StepFinalize], "unrecorded steps report PENDING")
}

func TestParseStatusUnknownDocument(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.ParseStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStepStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusProcessing)
	ctx := context.Background()
	require.NoError(t, f.states.SetStepStatus(ctx, "doc-1", models.StepParse, models.StepRunning))

	status, err := f.svc.StepStatus(ctx, "doc-1", "PARSE")
	require.NoError(t, err)
	assert.Equal(t, models.StepRunning, status)

	status, err = f.svc.StepStatus(ctx, "doc-1", "EXTRACT_BLOCKS")
	require.NoError(t, err)
	assert.Equal(t, models.StepPending, status)

	_, err = f.svc.StepStatus(ctx, "doc-1", "NOT_A_STEP")
	assert.ErrorIs(t, err, models.ErrUnknownStep)

	_, err = f.svc.StepStatus(ctx, "ghost", "PARSE")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListDocuments(t *testing.T) {
	f := newServiceFixture(t)
	f.addDocument(t, "doc-1", models.DocStatusInit)
	f.addDocument(t, "doc-2", models.DocStatusCompleted)

	docs, err := f.svc.ListDocuments(context.Background(), "kb-1", 20, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, ids)
}

func TestRegisterDocumentPathUsesLowerCaseExtension(t *testing.T) {
	f := newServiceFixture(t)

	doc, err := f.svc.RegisterDocument(context.Background(), services.RegisterDocumentParams{
		KBID: "kb-1",
		Name: "NOTES.TXT",
		Data: []byte("hello"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(doc.Path, ".txt"), "path %q", doc.Path)
	assert.Equal(t, models.DocKindPlain, doc.Kind)
}
