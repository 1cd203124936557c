package services

import (
	"context"
	"fmt"
	"time"

	"docflow/internal/costtracker"

	log "github.com/sirupsen/logrus"
)

// --- Fallback Embedding Service Methods ---
// The FallbackEmbeddingService struct definition is in types.go

// NewFallbackEmbeddingService creates a new fallback service.
func NewFallbackEmbeddingService(providers []EmbeddingProvider, strategy RetryStrategy) (*FallbackEmbeddingService, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one embedding provider is required")
	}
	if strategy == nil {
		strategy = &SimpleRetryStrategy{MaxAttempts: 3, BaseDelayMs: 100}
	}
	// All providers must agree on dimension; the vector index is created once
	// per knowledge base and a fallback must not change the column width.
	if len(providers) > 1 {
		dim := providers[0].Dimension()
		for i := 1; i < len(providers); i++ {
			if providers[i].Dimension() != dim {
				return nil, fmt.Errorf("all embedding providers must have the same dimension (provider %s has %d, expected %d)",
					providers[i].Name(), providers[i].Dimension(), dim)
			}
		}
	}

	return &FallbackEmbeddingService{
		Providers:      providers,
		ActiveProvider: 0,
		RetryStrategy:  strategy,
	}, nil
}

// Dimension returns the dimension of the currently active provider.
// All providers share it, enforced by the constructor.
func (s *FallbackEmbeddingService) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.Providers) == 0 {
		log.Warn("FallbackEmbeddingService has no providers, returning dimension 0")
		return 0
	}
	return s.Providers[s.ActiveProvider].Dimension()
}

// GenerateEmbedding tries providers with retries until one succeeds or all fail.
func (s *FallbackEmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	s.mu.RLock()
	initialProviderIndex := s.ActiveProvider
	numProviders := len(s.Providers)
	usage := s.usage
	if numProviders == 0 {
		s.mu.RUnlock()
		return nil, fmt.Errorf("no embedding providers configured")
	}
	s.mu.RUnlock()

	var lastErr error
	attempt := 0

	for {
		s.mu.RLock()
		currentProviderIndex := s.ActiveProvider
		provider := s.Providers[currentProviderIndex]
		s.mu.RUnlock()

		log.Debugf("Attempt %d: trying provider %s (%s)", attempt+1, provider.Name(), provider.ModelName())
		vec, err := provider.GenerateEmbedding(ctx, text)

		// Check cancellation immediately after the potentially long call
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during embedding generation: %w", ctx.Err())
		}

		if err == nil {
			usage.Record(costtracker.Usage{
				Provider: provider.Name(),
				Model:    provider.ModelName(),
				Tokens:   costtracker.EstimateTokens(text),
			})
			return vec, nil
		}

		usage.Record(costtracker.Usage{
			Provider: provider.Name(),
			Model:    provider.ModelName(),
			Failed:   true,
		})
		lastErr = fmt.Errorf("provider %s failed: %w", provider.Name(), err)
		log.Warnf("Provider %s failed: %v", provider.Name(), err)

		backoffMs := s.RetryStrategy.NextBackoff(attempt)
		if backoffMs < 0 {
			// Retries exhausted for this provider, switch to the next one
			s.mu.Lock()
			nextProviderIndex := (s.ActiveProvider + 1) % numProviders
			// Stop once the rotation is back at the provider this call
			// started with; every provider has had its retry budget.
			if nextProviderIndex == initialProviderIndex {
				s.mu.Unlock()
				return nil, fmt.Errorf("all embedding providers failed after cycling through: last error: %w", lastErr)
			}
			s.ActiveProvider = nextProviderIndex
			log.Infof("Switching active embedding provider to %s", s.Providers[nextProviderIndex].Name())
			s.mu.Unlock()

			attempt = 0
			// Try the new provider immediately
			continue
		}

		log.Debugf("Waiting %dms before retrying provider %s (attempt %d)", backoffMs, provider.Name(), attempt+1)
		select {
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			attempt++
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting to retry: %w", ctx.Err())
		}
	}
}
