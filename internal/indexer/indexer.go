// Package indexer turns a compressed corpus into embedded retrieval chunks.
package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/tokenizer"
	"github.com/seanblong/coursebrief/pkg/models"
)

// DefaultChunkTokens is the fixed retrieval chunk size.
const DefaultChunkTokens = 1200

// Store is the persistence surface the indexer needs.
type Store interface {
	SaveDocument(ctx context.Context, doc *models.Document) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []*models.Chunk) error
}

// Indexer chunks a document, embeds every chunk in one batched call, and
// persists document plus chunks. Nothing is written until the embedding batch
// has been validated against the chunk count.
type Indexer struct {
	Client      ai.Client
	Store       Store
	Model       string
	ChunkTokens int
	// Codec overrides the model-derived tokenizer, mostly for tests.
	Codec tokenizer.Codec
}

func New(client ai.Client, store Store, model string) *Indexer {
	return &Indexer{Client: client, Store: store, Model: model, ChunkTokens: DefaultChunkTokens}
}

func (ix *Indexer) codec() tokenizer.Codec {
	if ix.Codec != nil {
		return ix.Codec
	}
	return tokenizer.ForModel(ix.Model)
}

// ChunkText slices text into contiguous token-bounded chunks, left to right,
// no overlap. The last chunk may be shorter.
func (ix *Indexer) ChunkText(text string) []string {
	size := ix.ChunkTokens
	if size <= 0 {
		size = DefaultChunkTokens
	}
	codec := ix.codec()
	toks := codec.Encode(text)
	if toks.Len() == 0 {
		return nil
	}
	chunks := make([]string, 0, (toks.Len()+size-1)/size)
	for start := 0; start < toks.Len(); start += size {
		end := start + size
		if end > toks.Len() {
			end = toks.Len()
		}
		chunks = append(chunks, codec.Decode(toks.Slice(start, end)))
	}
	return chunks
}

// IndexDocument persists the document and its embedded chunks. An embedding
// count that does not match the chunk count is a hard error and nothing is
// persisted.
func (ix *Indexer) IndexDocument(ctx context.Context, userID int, jobID, text string) (*models.Document, error) {
	doc := &models.Document{
		ID:      uuid.NewString(),
		UserID:  userID,
		JobID:   jobID,
		Content: text,
	}

	parts := ix.ChunkText(text)
	if len(parts) == 0 {
		if err := ix.Store.SaveDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("save document: %w", err)
		}
		return doc, nil
	}

	vectors, err := ix.Client.Embed(ctx, parts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(parts) {
		return nil, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(parts))
	}

	chunks := make([]*models.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = &models.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Index:      i,
			Text:       p,
			Embedding:  vectors[i],
		}
	}

	if err := ix.Store.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	if err := ix.Store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, fmt.Errorf("save chunks: %w", err)
	}
	log.Info().Str("document_id", doc.ID).Int("chunks", len(chunks)).Msg("document indexed")
	return doc, nil
}
