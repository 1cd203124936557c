package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation error")

	ErrUnknownStep     = errors.New("unknown workflow step")
	ErrParseInProgress = errors.New("document parse already in progress")
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// DimensionMismatchError reports an embedding vector whose length disagrees
// with the target index's declared dimensionality.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, want %d", e.Got, e.Want)
}
