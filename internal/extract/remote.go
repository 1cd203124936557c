package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// extractRequest is the wire request of the layout engine service. Data
// travels base64 encoded.
type extractRequest struct {
	FileName string    `json:"file_name"`
	Data     []byte    `json:"data"`
	Mode     ParseMode `json:"mode"`
}

// HTTPExtractor calls a remote layout/OCR engine over its JSON API.
type HTTPExtractor struct {
	endpoint   string
	httpClient *http.Client
}

var _ Extractor = (*HTTPExtractor)(nil)

// NewHTTPExtractor returns a client for the engine at endpoint. An empty
// endpoint yields a nil extractor; callers treat that as "engine not
// configured" and use the degraded paths only.
func NewHTTPExtractor(endpoint string, timeout time.Duration) *HTTPExtractor {
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &HTTPExtractor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, fileName string, data []byte, mode ParseMode) (*EngineResult, error) {
	body, err := json.Marshal(extractRequest{FileName: fileName, Data: data, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("error marshaling extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("error creating extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling layout engine: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading layout engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("layout engine returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var result EngineResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("error unmarshaling layout engine response: %w", err)
	}

	log.WithFields(log.Fields{
		"file":     fileName,
		"mode":     mode,
		"items":    len(result.Items),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Layout engine extraction finished")

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
