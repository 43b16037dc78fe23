// Package chat answers questions about a user's compressed course corpus by
// retrieving the most relevant chunks and composing a grounded model request.
package chat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/tokenizer"
	"github.com/seanblong/coursebrief/pkg/models"
)

const (
	DefaultTopK          = 6
	DefaultContextTokens = 100000
	// maxPriorQuestions bounds how much past conversation rides along; older
	// questions are framing only, never answered.
	maxPriorQuestions = 2
)

// Store is the retrieval surface the chat service reads from.
type Store interface {
	LatestDocument(ctx context.Context, userID int) (*models.Document, error)
	ChunksByDocument(ctx context.Context, documentID string) ([]*models.Chunk, error)
}

// Service composes answers from retrieved context.
type Service struct {
	Client ai.Client
	Store  Store
	Model  string

	TopK          int
	ContextTokens int
	// Codec overrides the model-derived tokenizer, mostly for tests.
	Codec tokenizer.Codec
	// Now supplies the local timestamp included in the system prompt.
	Now func() time.Time
}

func New(client ai.Client, store Store, model string) *Service {
	return &Service{Client: client, Store: store, Model: model}
}

func (s *Service) codec() tokenizer.Codec {
	if s.Codec != nil {
		return s.Codec
	}
	return tokenizer.ForModel(s.Model)
}

// Answer retrieves context for the question and asks the chat model. When the
// document has an embedded chunk index the top-K chunks by cosine similarity
// form the context; otherwise the whole document text is used. Either way the
// context is truncated to the service's token budget.
func (s *Service) Answer(ctx context.Context, userID int, question string, priorQuestions []string) (string, error) {
	doc, err := s.Store.LatestDocument(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	if doc == nil || strings.TrimSpace(doc.Content) == "" {
		return "", fmt.Errorf("no course material available yet; run a scrape first")
	}

	contextText, err := s.retrieve(ctx, doc, question)
	if err != nil {
		return "", err
	}

	budget := s.ContextTokens
	if budget <= 0 {
		budget = DefaultContextTokens
	}
	contextText = tokenizer.TruncateWith(s.codec(), contextText, budget)

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	system := fmt.Sprintf(
		"You are a helpful assistant answering questions about a student's courses using the provided course material. The current local time is %s. Answer only the final question; earlier questions are context. If the material does not contain the answer, say so.\n\nCourse material:\n%s",
		now().Format("Monday, January 2, 2006 3:04 PM"), contextText)

	messages := []ai.Message{{Role: "system", Content: system}}
	prior := priorQuestions
	if len(prior) > maxPriorQuestions {
		prior = prior[len(prior)-maxPriorQuestions:]
	}
	for _, q := range prior {
		if strings.TrimSpace(q) == "" {
			continue
		}
		messages = append(messages, ai.Message{Role: "user", Content: "Earlier question for context (do not answer): " + q})
	}
	messages = append(messages, ai.Message{Role: "user", Content: question})

	answer, err := s.Client.Chat(ctx, ai.ChatRequest{
		Model:       s.Model,
		Messages:    messages,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return answer, nil
}

// retrieve returns the chunk-ranked context when an index exists, otherwise
// the full document text.
func (s *Service) retrieve(ctx context.Context, doc *models.Document, question string) (string, error) {
	chunks, err := s.Store.ChunksByDocument(ctx, doc.ID)
	if err != nil {
		return "", fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		log.Debug().Str("document_id", doc.ID).Msg("no chunk index, using full document")
		return doc.Content, nil
	}

	vectors, err := s.Client.Embed(ctx, []string{question})
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return "", fmt.Errorf("embedding count mismatch: %d vectors for 1 query", len(vectors))
	}

	top := RankChunks(chunks, vectors[0], s.topK())
	parts := make([]string, len(top))
	for i, ch := range top {
		parts[i] = ch.Text
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s *Service) topK() int {
	if s.TopK > 0 {
		return s.TopK
	}
	return DefaultTopK
}

// RankChunks orders chunks by descending cosine similarity to the query
// vector and returns the top k. Ties keep original chunk order.
func RankChunks(chunks []*models.Chunk, query []float32, k int) []*models.Chunk {
	ranked := make([]*models.Chunk, len(chunks))
	copy(ranked, chunks)
	scores := make(map[*models.Chunk]float64, len(chunks))
	for _, ch := range ranked {
		scores[ch] = Cosine(query, ch.Embedding)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-magnitude input.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
