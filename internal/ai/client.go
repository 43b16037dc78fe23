package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single completion call. MaxTokens of 0 leaves the cap to
// the backend.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client provides chat completion and embedding against one backend.
//
// Chat retries transient failures (429, 5xx, network) in place with capped
// exponential backoff; when retries are exhausted it returns the sentinel
// string RetriesExhausted with a nil error so the pipeline can log and decide
// continuation. Non-transient failures return an error immediately.
//
// Embed returns exactly one vector per input text or an error; a count
// mismatch from the backend is never silently padded or truncated.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Sentinel reply strings surfaced in place of content, mirroring the retry
// contract above.
const (
	RetriesExhausted = "[Error: retries exhausted]"
	NoContent        = "[No content returned]"
)

// Provider is an enumeration of supported AI backends.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients.
type ClientConfig struct {
	Provider   Provider
	APIKey     string
	BaseURL    string // OpenAI-compatible endpoint root; defaults to api.openai.com
	EmbedModel string
	Dim        int
	ProjectID  string
	Location   string

	// RequestsPerSecond proactively throttles outbound calls; the backends
	// share hard rate limits across every job in the system.
	RequestsPerSecond float64
}

// NewClient creates a client for the configured provider.
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

// StubClient is a deterministic offline implementation for tests and local
// development.
type StubClient struct {
	dim int
}

func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 8
	}
	return &StubClient{dim: dim}
}

// Chat echoes a short deterministic reply derived from the last user message.
func (s *StubClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			line := strings.TrimSpace(req.Messages[i].Content)
			if len(line) > 120 {
				line = line[:120]
			}
			return "stub: " + line, nil
		}
	}
	return NoContent, nil
}

// Embed maps each text onto a fixed-dimension vector derived from its bytes.
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, s.dim)
		for j, b := range []byte(t) {
			v[j%s.dim] += float32(b) / 255
		}
		out[i] = v
	}
	return out, nil
}

func (s *StubClient) Dim() int {
	return s.dim
}
