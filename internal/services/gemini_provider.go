package services

import (
	"context"
	"fmt"
	"os"

	"docflow/internal/models"
	"docflow/internal/store"

	"github.com/google/generative-ai-go/genai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GeminiProvider implements EmbeddingProvider using the Google Gemini API.
// It serves as the fallback behind the OpenAI-compatible primary.
type GeminiProvider struct {
	client         *genai.Client
	embeddingModel string // e.g. "models/text-embedding-004"
	dim            int
}

// NewGeminiProvider creates a new Gemini embedding provider. The dimension
// must match the primary provider's or the fallback service rejects it.
func NewGeminiProvider(apiKey, modelName string, dimension int) (*GeminiProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY") // Fallback to env var
	}
	if apiKey == "" {
		log.Warn("Gemini API key not provided. Gemini provider will be disabled.")
		return &GeminiProvider{client: nil}, nil
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	// Known model widths; a mismatch with the configured dimension means the
	// fallback would write unusable vectors, so call it out early.
	if known, ok := geminiModelDims[modelName]; ok && known != dimension {
		log.Warnf("Gemini model %s natively produces dimension %d, configured dimension is %d", modelName, known, dimension)
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	log.Infof("Gemini provider initialized with model %s (dimension %d)", modelName, dimension)

	return &GeminiProvider{
		client:         client,
		embeddingModel: modelName,
		dim:            dimension,
	}, nil
}

var geminiModelDims = map[string]int{
	"models/embedding-001":      768,
	"models/text-embedding-004": 768,
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// ModelName returns the specific model identifier.
func (p *GeminiProvider) ModelName() string { return p.embeddingModel }

// GenerateEmbedding generates an embedding for a single text.
func (p *GeminiProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.client == nil {
		return nil, fmt.Errorf("Gemini provider is not initialized (missing API key)")
	}
	if text == "" {
		log.Warn("GenerateEmbedding called with empty text for Gemini")
		return make([]float32, p.dim), nil
	}

	em := p.client.EmbeddingModel(p.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error generating embedding: %w", err)
	}

	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("Gemini API returned no embedding data")
	}

	if len(res.Embedding.Values) != p.dim {
		log.Warnf("Gemini returned embedding dimension %d, expected %d for model %s", len(res.Embedding.Values), p.dim, p.embeddingModel)
		return nil, &models.DimensionMismatchError{Got: len(res.Embedding.Values), Want: p.dim}
	}

	return res.Embedding.Values, nil
}

// Dimension returns the expected embedding dimension for the configured model.
func (p *GeminiProvider) Dimension() int {
	return p.dim
}

// Status returns the operational status of the provider.
func (p *GeminiProvider) Status() store.ProviderStatus {
	if p.client == nil {
		return store.ProviderStatusDisabled
	}
	return store.ProviderStatusActive
}

// Close cleans up the Gemini client resources.
func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

var _ store.EmbeddingService = (*GeminiProvider)(nil)
