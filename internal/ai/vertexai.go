package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// VertexAIClient backs the Client interface with the Google Gemini API.
type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &VertexAIClient{config: config, client: client}, nil
}

func (c *VertexAIClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	temp := float32(req.Temperature)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var userParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			sys := genai.Text(m.Content)
			cfg.SystemInstruction = sys[0]
			continue
		}
		userParts = append(userParts, m.Content)
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(strings.Join(userParts, "\n\n")), &cfg)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return NoContent, nil
	}
	return strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text), nil
}

func (c *VertexAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	cfg := genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}
	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		n := 0
		if res != nil {
			n = len(res.Embeddings)
		}
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", n, len(texts))
	}
	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
