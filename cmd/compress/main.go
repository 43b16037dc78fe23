package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/compress"
	"github.com/seanblong/coursebrief/internal/config"
	"github.com/seanblong/coursebrief/internal/indexer"
	"github.com/seanblong/coursebrief/internal/store"
	"github.com/seanblong/coursebrief/internal/streamstore"
	"github.com/spf13/pflag"
)

// Offline compression of a previously scraped stream file. Useful for
// re-compressing a corpus after a model or budget change without running a
// fresh scrape.
func main() {
	fs := pflag.NewFlagSet("coursebrief-compress", pflag.ExitOnError)
	input := fs.String("input", "", "path to a raw scrape stream file")
	output := fs.String("output", "compressed.txt", "path for the compressed stream")
	userID := fs.Int("user", 0, "user id to index the result under (requires --index)")
	doIndex := fs.Bool("index", false, "persist the compressed corpus and its chunk embeddings")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	if *input == "" {
		log.Fatal("--input is required")
	}
	raw, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("Failed to read input: %v", err)
	}

	provider := strings.ToLower(cfg.Provider)
	log.Printf("using provider: %s", provider)
	var clientConfig *ai.ClientConfig
	switch provider {
	case "openai":
		clientConfig = &ai.ClientConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			EmbedModel:        cfg.EmbedModel,
			Dim:               cfg.Dim,
			RequestsPerSecond: float64(cfg.Rps),
			Provider:          ai.ProviderOpenAI,
		}
	case "vertexai", "google":
		clientConfig = &ai.ClientConfig{
			APIKey:            cfg.APIKey,
			EmbedModel:        cfg.EmbedModel,
			Dim:               cfg.Dim,
			ProjectID:         cfg.ProjectID,
			Location:          cfg.Location,
			RequestsPerSecond: float64(cfg.Rps),
			Provider:          ai.ProviderVertexAI,
		}
	case "stub":
		clientConfig = &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}
	default:
		log.Fatalf("unsupported provider: %s", provider)
	}

	ctx := context.Background()
	c, err := ai.NewClient(ctx, clientConfig)
	if err != nil {
		log.Fatal(err)
	}

	comp := &compress.Compressor{
		Client:             c,
		Model:              cfg.ChatModel,
		BlockTokens:        cfg.BlockTokens,
		TargetCorpusTokens: cfg.TargetCorpusTokens,
		Log:                func(line string) { log.Print(line) },
	}

	out := streamstore.Open(*output)
	if err := out.Reset(); err != nil {
		log.Fatalf("Failed to open output: %v", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Printf("Failed to close output: %v", err)
		}
	}()

	if err := comp.StreamCompress(ctx, string(raw), out); err != nil {
		log.Fatalf("Compression failed: %v", err)
	}
	log.Printf("wrote %s (%d bytes)", *output, out.Size())

	if !*doIndex {
		return
	}
	if *userID <= 0 {
		log.Fatal("--user is required with --index")
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(ctx, c.Dim()); err != nil {
		log.Fatal(err)
	}

	text, err := out.Read()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.FinalTruncate {
		text = comp.Truncate(text)
	}

	ix := indexer.New(c, st, cfg.EmbedModel)
	if cfg.RetrievalChunkSize > 0 {
		ix.ChunkTokens = cfg.RetrievalChunkSize
	}
	doc, err := ix.IndexDocument(ctx, *userID, "offline", text)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("indexed document %s for user %d", doc.ID, *userID)
}
