package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"docflow/internal/models"
	"docflow/internal/store"
	"docflow/internal/tasks"
	"docflow/internal/workflow"
)

// WorkflowRunner is the engine capability the parse handler drives.
type WorkflowRunner interface {
	Run(ctx context.Context, req workflow.RunRequest) *models.WorkflowResult
}

// ParseDeps bundles the collaborators of the document parse handler.
type ParseDeps struct {
	Engine WorkflowRunner
	Runs   store.RunStore
}

// RegisterHandlers wires every task type this worker serves onto the mux.
func RegisterHandlers(mux *asynq.ServeMux, deps ParseDeps) {
	mux.HandleFunc(tasks.TypeDocumentParse, HandleDocumentParse(deps))
}

// HandleDocumentParse returns the handler for document parse tasks. The
// engine reports failure through its result, so the handler's only error
// paths are payload problems and translating a failed result into a
// retryable error for the queue.
func HandleDocumentParse(deps ParseDeps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload tasks.DocumentParsePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("unmarshal document parse payload: %v: %w", err, asynq.SkipRetry)
		}
		if payload.DocumentID == "" {
			return fmt.Errorf("document parse payload has no document id: %w", asynq.SkipRetry)
		}

		var resumeFrom models.StepName
		if payload.ResumeFrom != "" {
			step, err := models.ParseStepName(payload.ResumeFrom)
			if err != nil {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			resumeFrom = step
		}

		// The result writer is only attached to tasks delivered by a server.
		var taskID string
		if w := t.ResultWriter(); w != nil {
			taskID = w.TaskID()
		}
		log.WithFields(log.Fields{
			"document_id": payload.DocumentID,
			"resume_from": payload.ResumeFrom,
			"task_id":     taskID,
		}).Info("Document parse task started")

		if deps.Runs != nil && taskID != "" {
			if err := deps.Runs.UpdateRunStatus(ctx, taskID, models.RunStatusRunning); err != nil {
				log.WithError(err).WithField("task_id", taskID).Warn("Failed to mark run running")
			}
		}

		result := deps.Engine.Run(ctx, workflow.RunRequest{
			DocumentID: payload.DocumentID,
			ResumeFrom: resumeFrom,
		})

		// The run row must reflect the outcome even when the task context
		// was cancelled mid-run.
		if deps.Runs != nil {
			if err := deps.Runs.RecordRunResult(context.WithoutCancel(ctx), payload.DocumentID, result); err != nil {
				log.WithError(err).WithField("document_id", payload.DocumentID).Warn("Failed to record run result")
			}
		}

		switch {
		case result.Success:
			return nil
		case result.Cancelled:
			return fmt.Errorf("workflow cancelled: %w", asynq.SkipRetry)
		default:
			return fmt.Errorf("workflow failed at %s: %s", result.FailedStep, result.Error)
		}
	}
}
