package services

import (
	"context"
	"sync"

	"docflow/internal/costtracker"
	"docflow/internal/store"
)

// EmbeddingProvider is a single upstream embedding backend. The fallback
// service cycles through providers; they must all agree on Dimension.
type EmbeddingProvider interface {
	Name() string
	ModelName() string
	Status() store.ProviderStatus
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type RetryStrategy interface {
	NextBackoff(attempt int) int64 // ms, negative means stop retrying
}

type FallbackEmbeddingService struct {
	Providers      []EmbeddingProvider
	ActiveProvider int
	RetryStrategy  RetryStrategy
	mu             sync.RWMutex

	usage *costtracker.Tracker
}

// SetUsageTracker attaches a tracker that tallies every provider call. Must
// be called before the service is shared across goroutines.
func (s *FallbackEmbeddingService) SetUsageTracker(t *costtracker.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = t
}

// ModelName returns the model name of the currently active provider.
func (s *FallbackEmbeddingService) ModelName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return ""
	}
	return s.Providers[s.ActiveProvider].ModelName()
}

// Name returns the name of the currently active provider.
func (s *FallbackEmbeddingService) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return ""
	}
	return s.Providers[s.ActiveProvider].Name()
}

// Status returns the status of the currently active provider.
func (s *FallbackEmbeddingService) Status() store.ProviderStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.Providers) == 0 || s.ActiveProvider < 0 || s.ActiveProvider >= len(s.Providers) {
		return store.ProviderStatusDisabled
	}
	return s.Providers[s.ActiveProvider].Status()
}

var _ store.EmbeddingService = (*FallbackEmbeddingService)(nil)

// SimpleRetryStrategy provides basic exponential backoff.
type SimpleRetryStrategy struct {
	MaxAttempts int
	BaseDelayMs int64
}

// NextBackoff calculates the next backoff duration in milliseconds.
func (s *SimpleRetryStrategy) NextBackoff(attempt int) int64 {
	if s.MaxAttempts <= 0 {
		return -1
	}
	if attempt >= s.MaxAttempts {
		return -1 // Stop retrying
	}
	backoff := s.BaseDelayMs * (1 << attempt)
	// Cap at 30 seconds
	maxDelay := int64(30000)
	if backoff > maxDelay {
		backoff = maxDelay
	}
	return backoff
}
