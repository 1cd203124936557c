package models

import "fmt"

/*
Step and document status constants for use throughout the codebase.
Centralizing these avoids magic strings and improves maintainability.
*/

// StepName identifies one pipeline stage. The set is closed; resume points
// are validated against it.
type StepName string

const (
	StepInit          StepName = "INIT"
	StepFetchContent  StepName = "FETCH_CONTENT"
	StepParse         StepName = "PARSE"
	StepExtractBlocks StepName = "EXTRACT_BLOCKS"
	StepProcessChunks StepName = "PROCESS_CHUNKS"
	StepFinalize      StepName = "FINALIZE"
)

// stepOrder is the fixed execution order. Steps are never reordered.
var stepOrder = []StepName{
	StepInit,
	StepFetchContent,
	StepParse,
	StepExtractBlocks,
	StepProcessChunks,
	StepFinalize,
}

// StepOrder returns the pipeline stages in execution order. The returned
// slice is a copy.
func StepOrder() []StepName {
	out := make([]StepName, len(stepOrder))
	copy(out, stepOrder)
	return out
}

// StepIndex returns the position of name in the pipeline order, or -1 if
// name is not a known step.
func StepIndex(name StepName) int {
	for i, s := range stepOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// ParseStepName validates a user-supplied step identifier (resume points
// arrive as strings from the API and task payloads).
func ParseStepName(s string) (StepName, error) {
	name := StepName(s)
	if StepIndex(name) < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, s)
	}
	return name, nil
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// DocumentStatus is the externally visible state of a document.
type DocumentStatus string

const (
	DocStatusInit       DocumentStatus = "INIT"
	DocStatusProcessing DocumentStatus = "PROCESSING"
	DocStatusCompleted  DocumentStatus = "COMPLETED"
	DocStatusFailed     DocumentStatus = "FAILED"
	DocStatusCancelled  DocumentStatus = "CANCELLED"
)

// Run record status constants.
const (
	RunStatusEnqueued  = "enqueued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)
