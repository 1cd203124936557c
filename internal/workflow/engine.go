package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"docflow/internal/extract"
	"docflow/internal/models"
	"docflow/internal/store"

	log "github.com/sirupsen/logrus"
)

// EngineDeps carries every collaborator the engine needs. Stores and
// capabilities are interfaces so tests can substitute fakes.
type EngineDeps struct {
	Documents   store.DocumentStore
	KBs         store.KnowledgeBaseStore
	Checkpoints store.CheckpointStore
	Objects     store.ObjectStore
	StepStates  store.StepStateStore
	Parser      ContentParser
	Processor   ChunkProcessor
	Embedder    store.EmbeddingService

	IndexPrefix    string
	FileContentTTL time.Duration
	ParseResultTTL time.Duration
	BlockInfoTTL   time.Duration
	ChunkResultTTL time.Duration
}

// Engine executes document ingestion workflows. One engine serves many
// documents; each Run owns its context and step states, so concurrent runs
// for different documents never share mutable state.
type Engine struct {
	deps  EngineDeps
	steps map[models.StepName]Step

	mu   sync.Mutex
	runs map[string]*runHandle
}

// runHandle is the engine's registry entry for a document's latest run. It
// outlives the run so status queries and late cancel requests stay cheap.
type runHandle struct {
	states map[models.StepName]*StepState
	cancel atomic.Bool
}

// run is the working set of a single Run invocation.
type run struct {
	rc         *RunContext
	states     map[models.StepName]*StepState
	failedStep models.StepName
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Documents == nil || deps.KBs == nil {
		return nil, errors.New("document and knowledge base stores are required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("content parser is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("chunk processor is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("embedding service is required")
	}
	if deps.IndexPrefix == "" {
		deps.IndexPrefix = "docflow"
	}
	if deps.FileContentTTL <= 0 {
		deps.FileContentTTL = time.Hour
	}
	if deps.ParseResultTTL <= 0 {
		deps.ParseResultTTL = 2 * time.Hour
	}
	if deps.BlockInfoTTL <= 0 {
		deps.BlockInfoTTL = 2 * time.Hour
	}
	if deps.ChunkResultTTL <= 0 {
		deps.ChunkResultTTL = 2 * time.Hour
	}

	e := &Engine{deps: deps, runs: make(map[string]*runHandle)}
	e.steps = map[models.StepName]Step{
		models.StepInit: &initStep{
			documents:   deps.Documents,
			kbs:         deps.KBs,
			embedder:    deps.Embedder,
			indexPrefix: deps.IndexPrefix,
		},
		models.StepFetchContent: &fetchContentStep{
			objects:     deps.Objects,
			checkpoints: deps.Checkpoints,
			ttl:         deps.FileContentTTL,
		},
		models.StepParse: &parseStep{
			parser:      deps.Parser,
			checkpoints: deps.Checkpoints,
			ttl:         deps.ParseResultTTL,
		},
		models.StepExtractBlocks: &extractBlocksStep{
			checkpoints: deps.Checkpoints,
			ttl:         deps.BlockInfoTTL,
		},
		models.StepProcessChunks: &processChunksStep{
			processor:   deps.Processor,
			checkpoints: deps.Checkpoints,
			ttl:         deps.ChunkResultTTL,
		},
		models.StepFinalize: &finalizeStep{
			documents:   deps.Documents,
			kbs:         deps.KBs,
			checkpoints: deps.Checkpoints,
		},
	}
	return e, nil
}

// RunRequest parameterizes one workflow execution.
type RunRequest struct {
	DocumentID string
	// ResumeFrom names the first step to execute; steps before it are
	// trusted as completed. Empty means a fresh run.
	ResumeFrom models.StepName
	// Callback observes every step transition. Optional.
	Callback ProgressCallback
}

// Run executes the pipeline for one document and always returns a result;
// failures are reported inside it, never as a Go error or panic.
func (e *Engine) Run(ctx context.Context, req RunRequest) *models.WorkflowResult {
	result := &models.WorkflowResult{DocumentID: req.DocumentID}
	if req.DocumentID == "" {
		result.Error = "document id is required"
		return result
	}
	if req.ResumeFrom != "" && models.StepIndex(req.ResumeFrom) < 0 {
		result.Error = fmt.Sprintf("%s: %q", models.ErrUnknownStep, req.ResumeFrom)
		return result
	}

	// Terminal status and progress writes must land even when the run
	// context is already cancelled.
	reportCtx := context.WithoutCancel(ctx)
	rep := newReporter(e.deps.Documents, e.deps.StepStates, req.Callback, req.DocumentID)
	onChange := func(snap StepSnapshot) { rep.transition(reportCtx, snap) }

	r := &run{
		rc:     &RunContext{DocumentID: req.DocumentID, ResumeFrom: req.ResumeFrom},
		states: make(map[models.StepName]*StepState, len(models.StepOrder())),
	}
	for _, name := range models.StepOrder() {
		r.states[name] = newStepState(name, onChange)
	}

	handle := &runHandle{states: r.states}
	e.mu.Lock()
	e.runs[req.DocumentID] = handle
	e.mu.Unlock()

	if e.deps.StepStates != nil {
		if err := e.deps.StepStates.ClearStepStatuses(reportCtx, req.DocumentID); err != nil {
			log.WithError(err).WithField("document_id", req.DocumentID).Warn("Failed to clear step statuses")
		}
	}
	if err := e.deps.Documents.SetDocumentStatus(reportCtx, req.DocumentID, models.DocStatusProcessing, "workflow started"); err != nil {
		log.WithError(err).WithField("document_id", req.DocumentID).Warn("Failed to mark document processing")
	}

	if req.ResumeFrom != "" {
		for _, name := range models.StepOrder() {
			if name == req.ResumeFrom {
				break
			}
			r.states[name].markCompleted("completed in a previous run")
		}
	}

	log.WithFields(log.Fields{
		"document_id": req.DocumentID,
		"resume_from": req.ResumeFrom,
	}).Info("Workflow run started")

	for _, name := range models.StepOrder() {
		if reason, stopped := e.stopRequested(ctx, handle); stopped {
			return e.finishCancelled(reportCtx, r, result, reason)
		}
		state := r.states[name]
		if status := state.Status(); status == models.StepCompleted || status == models.StepSkipped {
			e.hydrate(ctx, r, name)
			if r.states[name].Status() != models.StepPending {
				continue
			}
		}
		if err := e.executeStep(ctx, r, name); err != nil {
			return e.finishFailed(reportCtx, r, result, err)
		}
	}
	return e.finishCompleted(r, result)
}

// Cancel requests cooperative cancellation of the document's running
// workflow; it takes effect at the next step boundary. The return reports
// whether this engine tracks a run for the document.
func (e *Engine) Cancel(documentID string) bool {
	e.mu.Lock()
	h, ok := e.runs[documentID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel.Store(true)
	return true
}

// ActiveRuns reports how many workflows this engine is currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// StepStatus reports the tracked status of one step. Unknown documents and
// steps report PENDING.
func (e *Engine) StepStatus(documentID string, step models.StepName) models.StepStatus {
	e.mu.Lock()
	h, ok := e.runs[documentID]
	e.mu.Unlock()
	if !ok {
		return models.StepPending
	}
	state, ok := h.states[step]
	if !ok {
		return models.StepPending
	}
	return state.Status()
}

func (e *Engine) stopRequested(ctx context.Context, h *runHandle) (string, bool) {
	if h.cancel.Load() {
		return "cancellation requested", true
	}
	if err := ctx.Err(); err != nil {
		return fmt.Sprintf("run context closed: %v", err), true
	}
	return "", false
}

// executeStep runs one step, first demoting and running any producer whose
// checkpointed output turned out to be absent. Demotion is consumer-driven:
// a bypassed step re-runs only when something downstream needs its output.
func (e *Engine) executeStep(ctx context.Context, r *run, name models.StepName) error {
	for _, dep := range missingInputs(r.rc, name) {
		r.states[dep].markPending("checkpoint artifact missing; step must re-run")
		if err := e.executeStep(ctx, r, dep); err != nil {
			return err
		}
	}

	state := r.states[name]
	if err := state.Start(); err != nil {
		r.failedStep = name
		return err
	}
	msg, err := e.safeExecute(ctx, e.steps[name], r.rc, state)
	if err != nil {
		if ferr := state.Fail(err); ferr != nil {
			log.WithError(ferr).WithField("step", name).Warn("Could not record step failure")
		}
		r.failedStep = name
		return err
	}
	if cerr := state.Complete(msg); cerr != nil {
		log.WithError(cerr).WithField("step", name).Warn("Could not record step completion")
	}
	return nil
}

// safeExecute shields the run loop from panicking steps.
func (e *Engine) safeExecute(ctx context.Context, step Step, rc *RunContext, state *StepState) (msg string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{
				"document_id": rc.DocumentID,
				"step":        step.Name(),
				"panic":       rec,
			}).Error("Step panicked")
			err = fmt.Errorf("step %s panicked: %v", step.Name(), rec)
		}
	}()
	return step.Execute(ctx, rc, state)
}

// missingInputs names the producer steps whose outputs the given step needs
// but the run context does not hold.
func missingInputs(rc *RunContext, name models.StepName) []models.StepName {
	var missing []models.StepName
	switch name {
	case models.StepParse:
		if !rc.HasFileContent {
			missing = append(missing, models.StepFetchContent)
		}
	case models.StepExtractBlocks:
		if rc.Parse == nil {
			missing = append(missing, models.StepParse)
		}
	case models.StepProcessChunks:
		if rc.Parse == nil {
			missing = append(missing, models.StepParse)
		}
		if !rc.HasPositions {
			missing = append(missing, models.StepExtractBlocks)
		}
	}
	return missing
}

// hydrate repopulates the run context from a bypassed step's checkpoint.
// Misses are tolerated here; the consuming step demotes the producer later
// if it actually needs the output. FINALIZE leaves no artifact behind, so
// it has no case.
func (e *Engine) hydrate(ctx context.Context, r *run, name models.StepName) {
	rc := r.rc
	switch name {
	case models.StepInit:
		if err := e.resolveDocument(ctx, rc); err != nil {
			log.WithError(err).WithField("document_id", rc.DocumentID).Warn("Could not restore document context; re-running INIT")
			r.states[name].markPending("document context could not be restored")
		}
	case models.StepFetchContent:
		if data, ok := e.consumeCheckpoint(ctx, rc.DocumentID, store.StageFileContent); ok {
			rc.FileContent = data
			rc.HasFileContent = true
		}
	case models.StepParse:
		if data, ok := e.consumeCheckpoint(ctx, rc.DocumentID, store.StageParseResult); ok {
			var out extract.ParseOutput
			if err := json.Unmarshal(data, &out); err != nil {
				log.WithError(err).WithField("document_id", rc.DocumentID).Warn("Discarding corrupt parse_result checkpoint")
			} else {
				rc.Parse = &out
			}
		}
	case models.StepExtractBlocks:
		if data, ok := e.consumeCheckpoint(ctx, rc.DocumentID, store.StageBlockInfo); ok {
			var info blockInfo
			if err := json.Unmarshal(data, &info); err != nil {
				log.WithError(err).WithField("document_id", rc.DocumentID).Warn("Discarding corrupt block_info checkpoint")
			} else {
				rc.Positions = info.Positions
				rc.HasPositions = true
			}
		}
	case models.StepProcessChunks:
		if data, ok := e.consumeCheckpoint(ctx, rc.DocumentID, store.StageChunkResult); ok {
			var stats chunkStats
			if err := json.Unmarshal(data, &stats); err != nil {
				log.WithError(err).WithField("document_id", rc.DocumentID).Warn("Discarding corrupt chunk_result checkpoint")
			} else {
				rc.ChunkCount = stats.ChunkCount
				rc.ChunkIDs = stats.ChunkIDs
				rc.ImageInfo = stats.ImageInfo
				rc.HasChunkStats = true
			}
		}
	}
}

// resolveDocument loads the document and knowledge base without INIT's
// validations: a bypassed INIT trusts the prior run's checks.
func (e *Engine) resolveDocument(ctx context.Context, rc *RunContext) error {
	doc, err := e.deps.Documents.GetDocument(ctx, rc.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", rc.DocumentID, err)
	}
	rc.Document = doc
	kb, err := e.deps.KBs.GetKnowledgeBase(ctx, doc.KBID)
	if err != nil {
		return fmt.Errorf("load knowledge base %s: %w", doc.KBID, err)
	}
	rc.KB = kb
	rc.IndexName = indexNameFor(e.deps.IndexPrefix, kb.ID)
	return nil
}

// consumeCheckpoint reads a bypassed step's artifact and deletes it: resume
// hydration is one-shot.
func (e *Engine) consumeCheckpoint(ctx context.Context, documentID string, stage store.StageKey) ([]byte, bool) {
	data, ok, err := e.deps.Checkpoints.Get(ctx, documentID, stage)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"document_id": documentID,
			"stage":       stage,
		}).Warn("Checkpoint read failed; treating as absent")
		return nil, false
	}
	if !ok {
		log.WithFields(log.Fields{
			"document_id": documentID,
			"stage":       stage,
		}).Debug("No checkpoint artifact to restore")
		return nil, false
	}
	dropCheckpoint(ctx, e.deps.Checkpoints, documentID, stage)
	return data, true
}

func (e *Engine) finishCompleted(r *run, result *models.WorkflowResult) *models.WorkflowResult {
	rc := r.rc
	result.Success = true
	result.ChunkCount = rc.ChunkCount
	if !rc.HasChunkStats && rc.Document != nil {
		result.ChunkCount = rc.Document.ChunkCount
	}
	result.ChunkIDs = rc.ChunkIDs
	result.ImageInfo = rc.ImageInfo
	result.CompletedSteps = r.completedSteps()

	log.WithFields(log.Fields{
		"document_id": rc.DocumentID,
		"chunks":      result.ChunkCount,
	}).Info("Workflow run completed")
	return result
}

func (e *Engine) finishFailed(ctx context.Context, r *run, result *models.WorkflowResult, err error) *models.WorkflowResult {
	if serr := e.deps.Documents.SetDocumentStatus(ctx, r.rc.DocumentID, models.DocStatusFailed, err.Error()); serr != nil {
		log.WithError(serr).WithField("document_id", r.rc.DocumentID).Warn("Failed to mark document failed")
	}
	result.Error = err.Error()
	result.FailedStep = r.failedStep
	result.CompletedSteps = r.completedSteps()

	log.WithError(err).WithFields(log.Fields{
		"document_id": r.rc.DocumentID,
		"step":        r.failedStep,
	}).Error("Workflow run failed")
	return result
}

func (e *Engine) finishCancelled(ctx context.Context, r *run, result *models.WorkflowResult, reason string) *models.WorkflowResult {
	for _, name := range models.StepOrder() {
		if state := r.states[name]; state.Status() == models.StepPending {
			if err := state.Skip("run cancelled"); err != nil {
				log.WithError(err).WithField("step", name).Warn("Could not skip step")
			}
		}
	}
	if err := e.deps.Documents.SetDocumentStatus(ctx, r.rc.DocumentID, models.DocStatusCancelled, reason); err != nil {
		log.WithError(err).WithField("document_id", r.rc.DocumentID).Warn("Failed to mark document cancelled")
	}
	result.Cancelled = true
	result.Error = reason
	result.CompletedSteps = r.completedSteps()

	log.WithFields(log.Fields{
		"document_id": r.rc.DocumentID,
		"reason":      reason,
	}).Info("Workflow run cancelled")
	return result
}

func (r *run) completedSteps() []models.StepName {
	var out []models.StepName
	for _, name := range models.StepOrder() {
		if r.states[name].Status() == models.StepCompleted {
			out = append(out, name)
		}
	}
	return out
}
