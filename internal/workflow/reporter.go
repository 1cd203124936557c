package workflow

import (
	"context"

	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/store"
)

// ProgressUpdate is one externally observable document-progress event,
// derived from a step transition.
type ProgressUpdate struct {
	DocumentID   string
	Step         models.StepName
	StepStatus   models.StepStatus
	StepProgress int
	// DocProgress is the document-level percentage the transition maps to.
	DocProgress int
	Message     string
}

// ProgressCallback observes progress updates. Callbacks run synchronously on
// the engine goroutine; returned errors and panics are logged and swallowed
// so observability never destabilizes the pipeline.
type ProgressCallback func(update ProgressUpdate) error

// stepBands maps each step onto its slice of the document-level progress
// scale. Step progress interpolates within the band, so document progress is
// non-decreasing across a run.
var stepBands = map[models.StepName][2]int{
	models.StepInit:          {0, 5},
	models.StepFetchContent:  {5, 15},
	models.StepParse:         {15, 40},
	models.StepExtractBlocks: {40, 50},
	models.StepProcessChunks: {50, 90},
	models.StepFinalize:      {90, 100},
}

// documentProgress maps a step snapshot to the document-level percentage.
func documentProgress(snap StepSnapshot) int {
	band, ok := stepBands[snap.Name]
	if !ok {
		return snap.Progress
	}
	lo, hi := band[0], band[1]
	return lo + snap.Progress*(hi-lo)/100
}

// reporter translates step transitions into document progress updates: it
// persists the per-step status for cross-process queries, writes the
// document's progress row, and invokes the caller's callback exactly once
// per transition.
type reporter struct {
	documents  store.DocumentStore
	stepStates store.StepStateStore
	callback   ProgressCallback

	documentID string
}

func newReporter(documents store.DocumentStore, stepStates store.StepStateStore, callback ProgressCallback, documentID string) *reporter {
	return &reporter{
		documents:  documents,
		stepStates: stepStates,
		callback:   callback,
		documentID: documentID,
	}
}

// transition handles one step state change. Persistence and callback
// failures are logged and never propagate into the run.
func (r *reporter) transition(ctx context.Context, snap StepSnapshot) {
	docProgress := documentProgress(snap)

	if r.stepStates != nil {
		if err := r.stepStates.SetStepStatus(ctx, r.documentID, snap.Name, snap.Status); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"document_id": r.documentID,
				"step":        snap.Name,
			}).Warn("Failed to persist step status")
		}
	}

	if r.documents != nil {
		if err := r.documents.UpdateDocumentProgress(ctx, r.documentID, docProgress, snap.Message); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"document_id": r.documentID,
				"step":        snap.Name,
			}).Warn("Failed to persist document progress")
		}
	}

	r.invokeCallback(ProgressUpdate{
		DocumentID:   r.documentID,
		Step:         snap.Name,
		StepStatus:   snap.Status,
		StepProgress: snap.Progress,
		DocProgress:  docProgress,
		Message:      snap.Message,
	})
}

func (r *reporter) invokeCallback(update ProgressUpdate) {
	if r.callback == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{
				"document_id": update.DocumentID,
				"step":        update.Step,
				"panic":       rec,
			}).Warn("Progress callback panicked")
		}
	}()
	if err := r.callback(update); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"document_id": update.DocumentID,
			"step":        update.Step,
		}).Warn("Progress callback failed")
	}
}
