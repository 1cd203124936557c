package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/chunks"
	"docflow/internal/extract"
	"docflow/internal/models"
	"docflow/internal/store"
)

// --- fakes ---

type statusWrite struct {
	status  models.DocumentStatus
	message string
}

type progressWrite struct {
	progress int
	message  string
}

type parsedWrite struct {
	id    string
	count int
}

type fakeDocStore struct {
	mu             sync.Mutex
	docs           map[string]*models.Document
	statusWrites   []statusWrite
	progressWrites []progressWrite
	parsedWrites   []parsedWrite
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string]*models.Document)}
}

func (f *fakeDocStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocStore) ListDocuments(ctx context.Context, kbID string, limit, offset int) ([]*models.Document, error) {
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

func (f *fakeDocStore) UpdateDocumentProgress(ctx context.Context, id string, progress int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressWrites = append(f.progressWrites, progressWrite{progress: progress, message: message})
	if doc, ok := f.docs[id]; ok {
		doc.Progress = progress
		doc.Message = message
	}
	return nil
}

func (f *fakeDocStore) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites = append(f.statusWrites, statusWrite{status: status, message: message})
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		doc.Message = message
	}
	return nil
}

func (f *fakeDocStore) TryMarkProcessing(ctx context.Context, id string) (bool, error) {
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

func (f *fakeDocStore) SetDocumentParsed(ctx context.Context, id string, chunkCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parsedWrites = append(f.parsedWrites, parsedWrite{id: id, count: chunkCount})
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	doc.Status = models.DocStatusCompleted
	doc.Progress = 100
	doc.Message = ""
	doc.ChunkCount = chunkCount
	return nil
}

func (f *fakeDocStore) Ping(ctx context.Context) error { return nil }

func (f *fakeDocStore) lastStatus() (statusWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusWrites) == 0 {
		return statusWrite{}, false
	}
	return f.statusWrites[len(f.statusWrites)-1], true
}

type kbDelta struct {
	id    string
	delta int
}

type fakeKBStore struct {
	mu     sync.Mutex
	kbs    map[string]*models.KnowledgeBase
	deltas []kbDelta
}

func newFakeKBStore() *fakeKBStore {
	return &fakeKBStore{kbs: make(map[string]*models.KnowledgeBase)}
}

func (f *fakeKBStore) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *kb
	f.kbs[kb.ID] = &cp
	return nil
}

func (f *fakeKBStore) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.kbs[id]
	if !ok {
		return nil, fmt.Errorf("knowledge base %s: %w", id, models.ErrNotFound)
	}
	cp := *kb
	return &cp, nil
}

func (f *fakeKBStore) AddKnowledgeBaseChunks(ctx context.Context, id string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, kbDelta{id: id, delta: delta})
	if kb, ok := f.kbs[id]; ok {
		kb.ChunkCount += delta
	}
	return nil
}

type fakeCheckpointStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
	getErr error
	delErr error
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{data: make(map[string][]byte)}
}

func checkpointKey(documentID string, stage store.StageKey) string {
	return documentID + "/" + string(stage)
}

func (f *fakeCheckpointStore) Put(ctx context.Context, documentID string, stage store.StageKey, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[checkpointKey(documentID, stage)] = append([]byte(nil), value...)
	return nil
}

func (f *fakeCheckpointStore) Get(ctx context.Context, documentID string, stage store.StageKey) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	value, ok := f.data[checkpointKey(documentID, stage)]
	return value, ok, nil
}

func (f *fakeCheckpointStore) Delete(ctx context.Context, documentID string, stage store.StageKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.data, checkpointKey(documentID, stage))
	return nil
}

func (f *fakeCheckpointStore) Ping(ctx context.Context) error { return nil }
func (f *fakeCheckpointStore) Close() error                   { return nil }

func (f *fakeCheckpointStore) seed(t *testing.T, documentID string, stage store.StageKey, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[checkpointKey(documentID, stage)] = payload
}

func (f *fakeCheckpointStore) has(documentID string, stage store.StageKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[checkpointKey(documentID, stage)]
	return ok
}

func (f *fakeCheckpointStore) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

type fakeStepStateStore struct {
	mu       sync.Mutex
	statuses map[string]map[models.StepName]models.StepStatus
	clears   int
}

func newFakeStepStateStore() *fakeStepStateStore {
	return &fakeStepStateStore{statuses: make(map[string]map[models.StepName]models.StepStatus)}
}

func (f *fakeStepStateStore) SetStepStatus(ctx context.Context, documentID string, step models.StepName, status models.StepStatus) error {
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

func (f *fakeStepStateStore) StepStatuses(ctx context.Context, documentID string) (map[models.StepName]models.StepStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.StepName]models.StepStatus, len(f.statuses[documentID]))
	for step, status := range f.statuses[documentID] {
		out[step] = status
	}
	return out, nil
}

func (f *fakeStepStateStore) ClearStepStatuses(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	delete(f.statuses, documentID)
	return nil
}

type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	getCalls int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, models.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjectStore) SetBucketPolicy(ctx context.Context, bucket, policy string) error { return nil }
func (f *fakeObjectStore) EnsureBucket(ctx context.Context, bucket string) error            { return nil }

func (f *fakeObjectStore) PublicURL(bucket, key string) string {
	return "http://objstore.local/" + bucket + "/" + key
}

func (f *fakeObjectStore) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

type fakeParser struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error)
}

func (f *fakeParser) Parse(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, kind, fileName, data)
	}
	return sampleParseOutput(), nil
}

func (f *fakeParser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  int
	lastIn *chunks.Input
	fn     func(ctx context.Context, in *chunks.Input) (*chunks.Result, error)
}

func (f *fakeProcessor) Process(ctx context.Context, in *chunks.Input) (*chunks.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastIn = in
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	if in.Progress != nil {
		in.Progress(len(in.Blocks), len(in.Blocks))
	}
	ids := make([]string, len(in.Blocks))
	for i := range in.Blocks {
		ids[i] = fmt.Sprintf("chunk-%d", i)
	}
	return &chunks.Result{ChunkCount: len(in.Blocks), ChunkIDs: ids}, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProcessor) lastInput() *chunks.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIn
}

type fakeEmbedder struct {
	dim    int
	status store.ProviderStatus
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) Dimension() int               { return f.dim }
func (f *fakeEmbedder) ModelName() string            { return "fake-embedding-model" }
func (f *fakeEmbedder) Name() string                 { return "fake" }
func (f *fakeEmbedder) Status() store.ProviderStatus { return f.status }

// --- fixture ---

const (
	testDocID = "doc-1"
	testKBID  = "kb-1"
)

type engineFixture struct {
	docs    *fakeDocStore
	kbs     *fakeKBStore
	cps     *fakeCheckpointStore
	objects *fakeObjectStore
	states  *fakeStepStateStore
	parser  *fakeParser
	proc    *fakeProcessor
	embed   *fakeEmbedder
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		docs:    newFakeDocStore(),
		kbs:     newFakeKBStore(),
		cps:     newFakeCheckpointStore(),
		objects: newFakeObjectStore(),
		states:  newFakeStepStateStore(),
		parser:  &fakeParser{},
		proc:    &fakeProcessor{},
		embed:   &fakeEmbedder{dim: 4, status: store.ProviderStatusActive},
	}
	f.docs.docs[testDocID] = &models.Document{
		ID:     testDocID,
		KBID:   testKBID,
		Name:   "handbook.pdf",
		Bucket: testKBID,
		Path:   "documents/doc-1.pdf",
		Kind:   models.DocKindPDF,
		Status: models.DocStatusInit,
	}
	f.kbs.kbs[testKBID] = &models.KnowledgeBase{
		ID:         testKBID,
		Name:       "handbook",
		EmbedModel: "text-embedding-3-large",
		EmbedDim:   4,
	}
	f.objects.objects[testKBID+"/documents/doc-1.pdf"] = []byte("%PDF-1.7 fixture content")
	return f
}

func (f *engineFixture) newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(EngineDeps{
		Documents:   f.docs,
		KBs:         f.kbs,
		Checkpoints: f.cps,
		Objects:     f.objects,
		StepStates:  f.states,
		Parser:      f.parser,
		Processor:   f.proc,
		Embedder:    f.embed,
	})
	require.NoError(t, err)
	return eng
}

func sampleParseOutput() *extract.ParseOutput {
	return &extract.ParseOutput{
		Blocks: []models.Block{
			{Type: models.BlockText, Text: "First paragraph."},
			{Type: models.BlockText, Text: "Second paragraph."},
		},
		Layout: extract.Layout{Pages: []extract.LayoutPage{{
			Index: 0,
			Blocks: []extract.LayoutBlock{
				{BBox: []float64{10, 10, 200, 40}},
				{BBox: []float64{10, 60, 200, 90}},
			},
		}}},
	}
}

// --- tests ---

func TestNewEngineRequiresDeps(t *testing.T) {
	f := newEngineFixture()

	_, err := NewEngine(EngineDeps{})
	require.Error(t, err)

	_, err = NewEngine(EngineDeps{
		Documents: f.docs, KBs: f.kbs, Checkpoints: f.cps,
		Objects: f.objects, Parser: f.parser, Processor: f.proc,
	})
	require.Error(t, err, "embedder is required")

	eng, err := NewEngine(EngineDeps{
		Documents: f.docs, KBs: f.kbs, Checkpoints: f.cps, Objects: f.objects,
		Parser: f.parser, Processor: f.proc, Embedder: f.embed,
	})
	require.NoError(t, err, "step state store is optional")
	require.NotNil(t, eng)
}

func TestEngineFreshRunSucceeds(t *testing.T) {
	f := newEngineFixture()
	eng := f.newEngine(t)

	var updates []ProgressUpdate
	res := eng.Run(context.Background(), RunRequest{
		DocumentID: testDocID,
		Callback: func(u ProgressUpdate) error {
			updates = append(updates, u)
			return nil
		},
	})

	require.True(t, res.Success, "run failed: %s", res.Error)
	assert.Empty(t, res.Error)
	assert.Empty(t, res.FailedStep)
	assert.False(t, res.Cancelled)
	assert.Equal(t, testDocID, res.DocumentID)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, []string{"chunk-0", "chunk-1"}, res.ChunkIDs)
	assert.Equal(t, models.StepOrder(), res.CompletedSteps)

	// Statistics land exactly once.
	require.Len(t, f.docs.parsedWrites, 1)
	assert.Equal(t, parsedWrite{id: testDocID, count: 2}, f.docs.parsedWrites[0])
	require.Len(t, f.kbs.deltas, 1)
	assert.Equal(t, kbDelta{id: testKBID, delta: 2}, f.kbs.deltas[0])
	assert.Equal(t, 2, f.kbs.kbs[testKBID].ChunkCount)

	// The final step clears every staged artifact.
	assert.Equal(t, 0, f.cps.size())

	assert.Equal(t, 1, f.objects.gets())
	assert.Equal(t, 1, f.parser.callCount())
	assert.Equal(t, 1, f.proc.callCount())

	in := f.proc.lastInput()
	require.NotNil(t, in)
	assert.Equal(t, "docflow_"+testKBID, in.IndexName)
	assert.Equal(t, testDocID, in.DocumentID)
	assert.Len(t, in.Positions, 2)

	assert.Equal(t, models.DocStatusProcessing, f.docs.statusWrites[0].status)
	assert.Equal(t, models.DocStatusCompleted, f.docs.docs[testDocID].Status)

	// Document progress is non-decreasing and finishes at 100.
	require.NotEmpty(t, updates)
	last := -1
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.DocProgress, last, "progress regressed at step %s", u.Step)
		last = u.DocProgress
	}
	final := updates[len(updates)-1]
	assert.Equal(t, models.StepFinalize, final.Step)
	assert.Equal(t, models.StepCompleted, final.StepStatus)
	assert.Equal(t, 100, final.DocProgress)
	assert.Equal(t, "processing complete: 2 chunks", final.Message)

	// Per-step statuses are shared for cross-process queries.
	assert.Equal(t, 1, f.states.clears)
	statuses, err := f.states.StepStatuses(context.Background(), testDocID)
	require.NoError(t, err)
	for _, name := range models.StepOrder() {
		assert.Equal(t, models.StepCompleted, statuses[name], "step %s", name)
	}
	assert.Equal(t, models.StepCompleted, eng.StepStatus(testDocID, models.StepProcessChunks))
}

func TestEngineRunRequestValidation(t *testing.T) {
	t.Run("empty document id", func(t *testing.T) {
		f := newEngineFixture()
		res := f.newEngine(t).Run(context.Background(), RunRequest{})

		assert.False(t, res.Success)
		assert.Equal(t, "document id is required", res.Error)
		assert.Empty(t, f.docs.statusWrites, "no store writes before validation passes")
	})

	t.Run("unknown resume step", func(t *testing.T) {
		f := newEngineFixture()
		res := f.newEngine(t).Run(context.Background(), RunRequest{
			DocumentID: testDocID,
			ResumeFrom: "TRANSMOGRIFY",
		})

		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "unknown workflow step")
		assert.Contains(t, res.Error, "TRANSMOGRIFY")
		assert.Empty(t, f.docs.statusWrites, "no store writes for a rejected request")
	})
}

func TestEngineInitFailures(t *testing.T) {
	t.Run("document missing", func(t *testing.T) {
		f := newEngineFixture()
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: "ghost"})

		assert.False(t, res.Success)
		assert.Equal(t, models.StepInit, res.FailedStep)
		assert.Contains(t, res.Error, "load document ghost")
		assert.Empty(t, res.CompletedSteps)
		last, ok := f.docs.lastStatus()
		require.True(t, ok)
		assert.Equal(t, models.DocStatusFailed, last.status)
	})

	t.Run("no content location", func(t *testing.T) {
		f := newEngineFixture()
		f.docs.docs[testDocID].Bucket = ""
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID})

		assert.Equal(t, models.StepInit, res.FailedStep)
		assert.Contains(t, res.Error, "no stored content location")
	})

	t.Run("embedding provider disabled", func(t *testing.T) {
		f := newEngineFixture()
		f.embed.status = store.ProviderStatusDisabled
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID})

		assert.Equal(t, models.StepInit, res.FailedStep)
		assert.Contains(t, res.Error, "no embedding provider is configured")
		assert.Equal(t, 0, f.objects.gets(), "pipeline must stop before fetching")
	})

	t.Run("embedding dimension mismatch", func(t *testing.T) {
		f := newEngineFixture()
		f.embed.dim = 8
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID})

		assert.Equal(t, models.StepInit, res.FailedStep)
		assert.Contains(t, res.Error, "expects 4-dimensional vectors")
		assert.Contains(t, res.Error, "produces 8")
	})
}

func TestEngineParseFailureThenResume(t *testing.T) {
	f := newEngineFixture()
	f.parser.fn = func(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error) {
		return nil, errors.New("layout engine offline")
	}
	eng := f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID})
	assert.False(t, res.Success)
	assert.Equal(t, models.StepParse, res.FailedStep)
	assert.Contains(t, res.Error, "parse handbook.pdf")
	assert.Contains(t, res.Error, "layout engine offline")
	assert.Equal(t, []models.StepName{models.StepInit, models.StepFetchContent}, res.CompletedSteps)

	assert.Equal(t, models.DocStatusFailed, f.docs.docs[testDocID].Status)
	assert.Equal(t, models.StepFailed, eng.StepStatus(testDocID, models.StepParse))
	assert.Equal(t, models.StepPending, eng.StepStatus(testDocID, models.StepExtractBlocks))

	// The fetched bytes stay staged for the retry.
	require.True(t, f.cps.has(testDocID, store.StageFileContent))

	f.parser.fn = nil
	res = eng.Run(context.Background(), RunRequest{DocumentID: testDocID, ResumeFrom: models.StepParse})

	require.True(t, res.Success, "resume failed: %s", res.Error)
	assert.Equal(t, models.StepOrder(), res.CompletedSteps)
	assert.Equal(t, 1, f.objects.gets(), "resume must reuse the staged file content")
	assert.False(t, f.cps.has(testDocID, store.StageFileContent), "restored artifacts are consumed")
	require.Len(t, f.docs.parsedWrites, 1)
	assert.Equal(t, 2, f.docs.parsedWrites[0].count)
}

func TestEngineResumeUsesStagedArtifacts(t *testing.T) {
	f := newEngineFixture()
	out := sampleParseOutput()
	f.cps.seed(t, testDocID, store.StageParseResult, out)
	f.cps.seed(t, testDocID, store.StageBlockInfo, blockInfo{Positions: extract.DeriveBlockPositions(out.Layout)})
	eng := f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID, ResumeFrom: models.StepProcessChunks})

	require.True(t, res.Success, "run failed: %s", res.Error)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, 0, f.objects.gets(), "FETCH_CONTENT must not re-run")
	assert.Equal(t, 0, f.parser.callCount(), "PARSE must not re-run")
	assert.Equal(t, 1, f.proc.callCount())

	assert.False(t, f.cps.has(testDocID, store.StageParseResult), "hydration is one-shot")
	assert.False(t, f.cps.has(testDocID, store.StageBlockInfo), "hydration is one-shot")
}

func TestEngineResumeRecomputesMissingStages(t *testing.T) {
	f := newEngineFixture()
	eng := f.newEngine(t)

	// No staged artifacts exist, so the consumer demotes its producers and
	// the chain re-runs from FETCH_CONTENT.
	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID, ResumeFrom: models.StepProcessChunks})

	require.True(t, res.Success, "run failed: %s", res.Error)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, 1, f.objects.gets())
	assert.Equal(t, 1, f.parser.callCount())
	assert.Equal(t, 1, f.proc.callCount())
	assert.Equal(t, models.StepOrder(), res.CompletedSteps)
}

func TestEngineResumeFinalizeWithoutChunkStats(t *testing.T) {
	f := newEngineFixture()
	f.docs.docs[testDocID].ChunkCount = 7
	eng := f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID, ResumeFrom: models.StepFinalize})

	require.True(t, res.Success, "run failed: %s", res.Error)
	assert.Equal(t, 7, res.ChunkCount, "falls back to the persisted count")

	// FINALIZE never demotes earlier steps and never re-counts.
	assert.Equal(t, 0, f.objects.gets())
	assert.Equal(t, 0, f.parser.callCount())
	assert.Equal(t, 0, f.proc.callCount())
	assert.Empty(t, f.docs.parsedWrites)
	assert.Empty(t, f.kbs.deltas)

	last, ok := f.docs.lastStatus()
	require.True(t, ok)
	assert.Equal(t, models.DocStatusCompleted, last.status)
	assert.Equal(t, "processing complete", last.message)
}

func TestEngineCancelStopsAtStepBoundary(t *testing.T) {
	f := newEngineFixture()
	var eng *Engine
	f.parser.fn = func(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error) {
		require.True(t, eng.Cancel(testDocID), "running document must be tracked")
		return sampleParseOutput(), nil
	}
	eng = f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID})

	assert.False(t, res.Success)
	require.True(t, res.Cancelled)
	assert.Equal(t, "cancellation requested", res.Error)
	assert.Equal(t, []models.StepName{models.StepInit, models.StepFetchContent, models.StepParse}, res.CompletedSteps)

	for _, name := range []models.StepName{models.StepExtractBlocks, models.StepProcessChunks, models.StepFinalize} {
		assert.Equal(t, models.StepSkipped, eng.StepStatus(testDocID, name), "step %s", name)
	}
	assert.Equal(t, 0, f.proc.callCount())

	assert.Equal(t, models.DocStatusCancelled, f.docs.docs[testDocID].Status)
	assert.Equal(t, "cancellation requested", f.docs.docs[testDocID].Message)

	assert.False(t, eng.Cancel("someone-else"), "unknown documents are not tracked")
}

func TestEngineRunWithClosedContext(t *testing.T) {
	f := newEngineFixture()
	eng := f.newEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := eng.Run(ctx, RunRequest{DocumentID: testDocID})

	require.True(t, res.Cancelled)
	assert.Contains(t, res.Error, "run context closed")
	assert.Empty(t, res.CompletedSteps)
	for _, name := range models.StepOrder() {
		assert.Equal(t, models.StepSkipped, eng.StepStatus(testDocID, name), "step %s", name)
	}

	// The terminal status write still lands.
	last, ok := f.docs.lastStatus()
	require.True(t, ok)
	assert.Equal(t, models.DocStatusCancelled, last.status)
}

func TestEngineStepPanicIsContained(t *testing.T) {
	f := newEngineFixture()
	f.parser.fn = func(ctx context.Context, kind models.DocKind, fileName string, data []byte) (*extract.ParseOutput, error) {
		panic("parser exploded")
	}
	eng := f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID})

	assert.False(t, res.Success)
	assert.Equal(t, models.StepParse, res.FailedStep)
	assert.Contains(t, res.Error, "step PARSE panicked")
	assert.Contains(t, res.Error, "parser exploded")
	assert.Equal(t, models.DocStatusFailed, f.docs.docs[testDocID].Status)
}

func TestEngineCheckpointOutageDoesNotFailRuns(t *testing.T) {
	t.Run("writes fail", func(t *testing.T) {
		f := newEngineFixture()
		f.cps.putErr = errors.New("redis: connection refused")
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID})

		require.True(t, res.Success, "run failed: %s", res.Error)
		assert.Equal(t, 2, res.ChunkCount)
		assert.Equal(t, 0, f.cps.size())
	})

	t.Run("reads fail during resume", func(t *testing.T) {
		f := newEngineFixture()
		f.cps.getErr = errors.New("redis: connection refused")
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID, ResumeFrom: models.StepParse})

		require.True(t, res.Success, "run failed: %s", res.Error)
		assert.Equal(t, 1, f.objects.gets(), "unreadable artifact re-runs the producer")
	})

	t.Run("deletes fail", func(t *testing.T) {
		f := newEngineFixture()
		f.cps.delErr = errors.New("redis: connection refused")
		res := f.newEngine(t).Run(context.Background(), RunRequest{DocumentID: testDocID})

		require.True(t, res.Success, "run failed: %s", res.Error)
	})
}

func TestEngineProcessFailureKeepsResumeArtifacts(t *testing.T) {
	f := newEngineFixture()
	f.proc.fn = func(ctx context.Context, in *chunks.Input) (*chunks.Result, error) {
		return nil, errors.New("vector index unavailable")
	}
	eng := f.newEngine(t)

	res := eng.Run(context.Background(), RunRequest{DocumentID: testDocID})

	assert.False(t, res.Success)
	assert.Equal(t, models.StepProcessChunks, res.FailedStep)

	// PARSE consumed the raw bytes; its own artifacts stay for the retry.
	assert.False(t, f.cps.has(testDocID, store.StageFileContent))
	assert.True(t, f.cps.has(testDocID, store.StageParseResult))
	assert.True(t, f.cps.has(testDocID, store.StageBlockInfo))
	assert.False(t, f.cps.has(testDocID, store.StageChunkResult))
}

func TestEngineStepStatusDefaultsToPending(t *testing.T) {
	f := newEngineFixture()
	eng := f.newEngine(t)

	assert.Equal(t, models.StepPending, eng.StepStatus("never-ran", models.StepParse))

	eng.Run(context.Background(), RunRequest{DocumentID: testDocID})
	assert.Equal(t, models.StepPending, eng.StepStatus(testDocID, "BOGUS"))
}
