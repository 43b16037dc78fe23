package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to the OpenAI REST API (or any compatible endpoint).
type OpenAIClient struct {
	config  *ClientConfig
	http    *http.Client
	limiter *rate.Limiter

	// retry tuning, overridable in tests
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	return &OpenAIClient{
		config:      config,
		http:        &http.Client{Timeout: 180 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		maxAttempts: 5,
		backoff:     2 * time.Second,
		maxBackoff:  30 * time.Second,
	}
}

// Chat posts a completion request, retrying rate-limit and server-error
// classes in place. Exhausted retries surface RetriesExhausted rather than an
// error; any other 4xx aborts immediately.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.New("provider API key unset")
	}

	payload := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	backoff := c.backoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		status, respBody, err := c.post(ctx, "/chat/completions", body)
		switch {
		case err != nil:
			// network-class failure: retry
		case status == http.StatusOK:
			var data any
			if err := json.Unmarshal(respBody, &data); err != nil {
				return "", fmt.Errorf("decode completion: %w", err)
			}
			if txt := ExtractAssistantText(data); txt != "" {
				return txt, nil
			}
			return NoContent, nil
		case transientStatus(status):
			log.Warn().Int("status", status).Int("attempt", attempt).Msg("transient completion failure, backing off")
		default:
			return "", fmt.Errorf("completion failed: %s", apiErrorMessage(status, respBody))
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * 1.7)
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return RetriesExhausted, nil
}

// Embed requests one vector per input text in a single batched call. The
// response count must match the input count exactly.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("provider API key unset")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"model": c.config.EmbedModel,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	status, respBody, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("embedding failed: %s", apiErrorMessage(status, respBody))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	vectors := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		vectors = append(vectors, d.Embedding)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func apiErrorMessage(status int, body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", status, e.Error.Message)
	}
	return fmt.Sprintf("HTTP %d", status)
}
