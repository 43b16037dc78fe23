package indexer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/tokenizer"
	"github.com/seanblong/coursebrief/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type mockClient struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockClient) Chat(ctx context.Context, req ai.ChatRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return m.EmbedFunc(ctx, texts)
}

func (m *mockClient) Dim() int { return 3 }

type mockStore struct {
	docs   []*models.Document
	chunks map[string][]*models.Chunk
	docErr error
}

func newMockStore() *mockStore {
	return &mockStore{chunks: map[string][]*models.Chunk{}}
}

func (m *mockStore) SaveDocument(_ context.Context, doc *models.Document) error {
	if m.docErr != nil {
		return m.docErr
	}
	m.docs = append(m.docs, doc)
	return nil
}

func (m *mockStore) ReplaceChunks(_ context.Context, documentID string, chunks []*models.Chunk) error {
	m.chunks[documentID] = chunks
	return nil
}

func embedN(dim int) func(context.Context, []string) ([][]float32, error) {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = make([]float32, dim)
			out[i][0] = float32(i)
		}
		return out, nil
	}
}

func TestChunkTextDeterministicSlicing(t *testing.T) {
	ix := &Indexer{ChunkTokens: 10, Codec: tokenizer.Heuristic()}
	text := strings.Repeat("abcd", 35) // 140 runes = 35 heuristic tokens
	chunks := ix.ChunkText(text)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks for 35 tokens at size 10, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks must reassemble to the original text")
	}
	if ix.ChunkText("") != nil {
		t.Fatal("empty text must yield no chunks")
	}
}

func TestIndexDocumentPersistsChunks(t *testing.T) {
	store := newMockStore()
	ix := &Indexer{
		Client:      &mockClient{EmbedFunc: embedN(3)},
		Store:       store,
		ChunkTokens: 10,
		Codec:       tokenizer.Heuristic(),
	}

	doc, err := ix.IndexDocument(context.Background(), 7, "job-1", strings.Repeat("abcd", 25))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if doc.UserID != 7 || doc.JobID != "job-1" {
		t.Fatalf("bad document ownership: %+v", doc)
	}
	if len(store.docs) != 1 {
		t.Fatalf("expected 1 saved document, got %d", len(store.docs))
	}
	chunks := store.chunks[doc.ID]
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if ch.DocumentID != doc.ID {
			t.Errorf("chunk %d points at %q", i, ch.DocumentID)
		}
		if len(ch.Embedding) != 3 {
			t.Errorf("chunk %d embedding dim %d", i, len(ch.Embedding))
		}
	}
}

func TestIndexDocumentCountMismatchPersistsNothing(t *testing.T) {
	store := newMockStore()
	ix := &Indexer{
		Client: &mockClient{EmbedFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			// One vector short.
			out := make([][]float32, len(texts)-1)
			for i := range out {
				out[i] = []float32{1, 2, 3}
			}
			return out, nil
		}},
		Store:       store,
		ChunkTokens: 10,
		Codec:       tokenizer.Heuristic(),
	}

	_, err := ix.IndexDocument(context.Background(), 1, "job-2", strings.Repeat("abcd", 40))
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("expected count-mismatch error, got %v", err)
	}
	if len(store.docs) != 0 || len(store.chunks) != 0 {
		t.Fatal("nothing may be persisted on a count mismatch")
	}
}

func TestIndexDocumentEmbedErrorPersistsNothing(t *testing.T) {
	store := newMockStore()
	ix := &Indexer{
		Client: &mockClient{EmbedFunc: func(context.Context, []string) ([][]float32, error) {
			return nil, errors.New("quota exceeded")
		}},
		Store:       store,
		ChunkTokens: 10,
		Codec:       tokenizer.Heuristic(),
	}
	if _, err := ix.IndexDocument(context.Background(), 1, "job-3", "abcdefgh"); err == nil {
		t.Fatal("expected embed error")
	}
	if len(store.docs) != 0 {
		t.Fatal("document persisted despite embed failure")
	}
}

func TestIndexDocumentEmptyTextSavesDocumentOnly(t *testing.T) {
	store := newMockStore()
	ix := &Indexer{
		Client: &mockClient{EmbedFunc: func(context.Context, []string) ([][]float32, error) {
			t.Fatal("unexpected embed call")
			return nil, nil
		}},
		Store: store,
		Codec: tokenizer.Heuristic(),
	}
	doc, err := ix.IndexDocument(context.Background(), 2, "job-4", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(store.docs) != 1 || len(store.chunks[doc.ID]) != 0 {
		t.Fatal("expected document saved with no chunks")
	}
}
