package workflow

import (
	"fmt"
	"sync"
	"time"

	"docflow/internal/models"
)

// StepSnapshot is an immutable view of one step's state, safe to hand to
// observers.
type StepSnapshot struct {
	Name      models.StepName
	Status    models.StepStatus
	Progress  int
	Message   string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// StepState tracks one step's lifecycle within a run. Transitions follow
// PENDING→RUNNING→{COMPLETED,FAILED}; SKIPPED is reachable only from PENDING
// and is terminal; a FAILED step may start again. Progress never decreases
// while the step runs. Every mutation notifies the onChange observer exactly
// once.
type StepState struct {
	name     models.StepName
	onChange func(StepSnapshot)

	mu        sync.Mutex
	status    models.StepStatus
	progress  int
	message   string
	errMsg    string
	startedAt time.Time
	endedAt   time.Time
}

func newStepState(name models.StepName, onChange func(StepSnapshot)) *StepState {
	return &StepState{
		name:     name,
		onChange: onChange,
		status:   models.StepPending,
	}
}

func (s *StepState) Name() models.StepName { return s.name }

// Snapshot returns a copy of the current state.
func (s *StepState) Snapshot() StepSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StepState) snapshotLocked() StepSnapshot {
	return StepSnapshot{
		Name:      s.name,
		Status:    s.status,
		Progress:  s.progress,
		Message:   s.message,
		Error:     s.errMsg,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

// Status returns the current lifecycle status.
func (s *StepState) Status() models.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start moves the step into RUNNING. Valid from PENDING and FAILED (retry).
func (s *StepState) Start() error {
	s.mu.Lock()
	if s.status != models.StepPending && s.status != models.StepFailed {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("step %s cannot start from %s", s.name, status)
	}
	s.status = models.StepRunning
	s.progress = 0
	s.message = ""
	s.errMsg = ""
	s.startedAt = time.Now()
	s.endedAt = time.Time{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// UpdateProgress reports intermediate progress while RUNNING. Values clamp
// to [current, 100] so observers always see a non-decreasing sequence.
// Updates outside RUNNING are dropped; progress is observational and never
// gates control flow.
func (s *StepState) UpdateProgress(progress int, message string) {
	s.mu.Lock()
	if s.status != models.StepRunning {
		s.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > s.progress {
		s.progress = progress
	}
	if message != "" {
		s.message = message
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// Complete finishes the step successfully, pinning progress to 100.
func (s *StepState) Complete(message string) error {
	s.mu.Lock()
	if s.status != models.StepRunning {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("step %s cannot complete from %s", s.name, status)
	}
	s.status = models.StepCompleted
	s.progress = 100
	if message != "" {
		s.message = message
	}
	s.endedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Fail records the step error. Progress stays where it was.
func (s *StepState) Fail(err error) error {
	s.mu.Lock()
	if s.status != models.StepRunning {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("step %s cannot fail from %s", s.name, status)
	}
	s.status = models.StepFailed
	if err != nil {
		s.errMsg = err.Error()
		s.message = err.Error()
	}
	s.endedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Skip marks a step that will not run in this run. Valid only from PENDING
// and terminal.
func (s *StepState) Skip(reason string) error {
	s.mu.Lock()
	if s.status != models.StepPending {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("step %s cannot be skipped from %s", s.name, status)
	}
	s.status = models.StepSkipped
	s.message = reason
	s.endedAt = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// markCompleted records that a prior run already satisfied this step
// (resume semantics). The checkpointed output is trusted without
// re-validation.
func (s *StepState) markCompleted(message string) {
	s.mu.Lock()
	s.status = models.StepCompleted
	s.progress = 100
	s.message = message
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// markPending demotes a bypassed step so it executes after all: its
// checkpointed output turned out to be absent.
func (s *StepState) markPending(message string) {
	s.mu.Lock()
	s.status = models.StepPending
	s.progress = 0
	s.message = message
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *StepState) notify(snap StepSnapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}
