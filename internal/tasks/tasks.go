package tasks

// Defines constants and payloads for tasks dispatched through Asynq.

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TypeDocumentParse is the task type for running the ingestion workflow
	// over one document.
	TypeDocumentParse = "document:parse"
)

const (
	// QueueIngest is the queue document parse tasks are dispatched to.
	QueueIngest = "ingest"
)

// DocumentParsePayload is the payload of a TypeDocumentParse task. ResumeFrom
// is empty for a fresh run, otherwise the step name to resume at.
type DocumentParsePayload struct {
	DocumentID string `json:"document_id"`
	ResumeFrom string `json:"resume_from,omitempty"`
}

// NewDocumentParseTask builds the asynq task for one workflow run.
func NewDocumentParseTask(documentID, resumeFrom string) (*asynq.Task, error) {
	payload, err := json.Marshal(DocumentParsePayload{DocumentID: documentID, ResumeFrom: resumeFrom})
	if err != nil {
		return nil, fmt.Errorf("marshal document parse payload: %w", err)
	}
	return asynq.NewTask(TypeDocumentParse, payload), nil
}
