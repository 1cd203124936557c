package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"docflow/internal/models"
	"docflow/internal/store"

	"github.com/sashabaranov/go-openai"

	log "github.com/sirupsen/logrus"
)

// OpenAIProvider generates embeddings through any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	dim     int
	timeout time.Duration
}

// NormalizeBaseURL turns a user-supplied endpoint into the API base the
// client is configured with. The client itself appends "/embeddings", so the
// result never carries that suffix:
//
//	"localhost:8000"               -> "https://localhost:8000/v1"
//	"http://host/v1/"              -> "http://host/v1"
//	"https://host/v1/embeddings"   -> "https://host/v1"
//	"https://host/custom"          -> "https://host/custom/v1"
//
// An empty input stays empty; the client then uses its default base.
func NormalizeBaseURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	url = strings.TrimRight(url, "/")
	if strings.HasSuffix(url, "/embeddings") {
		return strings.TrimSuffix(url, "/embeddings")
	}
	if strings.HasSuffix(url, "/v1") {
		return url
	}
	return url + "/v1"
}

// splitModelName strips the "___vendor" suffix some model registries attach,
// e.g. "bge-large-zh-v1.5___VLLM" names the model "bge-large-zh-v1.5".
func splitModelName(model string) string {
	return strings.Split(model, "___")[0]
}

// NewOpenAIProvider creates a new OpenAI-compatible embedding provider.
// The dimension is taken from configuration because self-hosted models
// advertise nothing; every response is checked against it.
func NewOpenAIProvider(apiKey, modelID, baseURL string, dimension int, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY") // Fallback to env var
	}
	if apiKey == "" {
		log.Warn("OpenAI API key not provided. OpenAI provider will be disabled.")
		return &OpenAIProvider{client: nil}, nil
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	modelID = splitModelName(modelID)

	cfg := openai.DefaultConfig(apiKey)
	if base := NormalizeBaseURL(baseURL); base != "" {
		cfg.BaseURL = base
	}
	client := openai.NewClientWithConfig(cfg)
	log.Infof("OpenAI provider initialized with model %s (dimension %d, base %s)", modelID, dimension, cfg.BaseURL)

	return &OpenAIProvider{
		client:  client,
		model:   openai.EmbeddingModel(modelID),
		dim:     dimension,
		timeout: timeout,
	}, nil
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// ModelName returns the specific model identifier.
func (p *OpenAIProvider) ModelName() string { return string(p.model) }

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.client == nil {
		return nil, fmt.Errorf("OpenAI provider is not initialized (missing API key)")
	}
	if text == "" {
		log.Warn("GenerateEmbedding called with empty text for OpenAI")
		return make([]float32, p.dim), nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: p.model,
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error generating embedding: %w", err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("OpenAI API returned no embedding data")
	}

	if len(resp.Data[0].Embedding) != p.dim {
		log.Warnf("OpenAI returned embedding dimension %d, expected %d for model %s", len(resp.Data[0].Embedding), p.dim, p.model)
		return nil, &models.DimensionMismatchError{Got: len(resp.Data[0].Embedding), Want: p.dim}
	}

	return resp.Data[0].Embedding, nil
}

// Dimension returns the expected embedding dimension for the configured model.
func (p *OpenAIProvider) Dimension() int {
	return p.dim
}

// Status returns the operational status of the provider.
func (p *OpenAIProvider) Status() store.ProviderStatus {
	if p.client == nil {
		return store.ProviderStatusDisabled
	}
	return store.ProviderStatusActive
}

var _ store.EmbeddingService = (*OpenAIProvider)(nil)
