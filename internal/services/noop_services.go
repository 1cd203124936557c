package services

import (
	"context"
	"fmt"

	"docflow/internal/models"
	"docflow/internal/store"
)

// DisabledEmbeddingService stands in when no embedding provider is
// configured. Status reports Disabled so workflow admission can reject runs
// up front instead of failing chunk by chunk.
type DisabledEmbeddingService struct{}

func (s *DisabledEmbeddingService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("%w: no embedding provider configured", models.ErrEmbeddingFailed)
}

func (s *DisabledEmbeddingService) Dimension() int { return 0 }

func (s *DisabledEmbeddingService) ModelName() string { return "none" }

func (s *DisabledEmbeddingService) Name() string { return "disabled" }

func (s *DisabledEmbeddingService) Status() store.ProviderStatus {
	return store.ProviderStatusDisabled
}

func NewDisabledEmbeddingService() store.EmbeddingService {
	return &DisabledEmbeddingService{}
}
