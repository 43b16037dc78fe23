package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/tokenizer"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type mockClient struct {
	ChatFunc  func(ctx context.Context, req ai.ChatRequest) (string, error)
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockClient) Chat(ctx context.Context, req ai.ChatRequest) (string, error) {
	return m.ChatFunc(ctx, req)
}

func (m *mockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	return nil, errors.New("not implemented")
}

func (m *mockClient) Dim() int { return 3 }

type sink struct {
	parts  []string
	failAt int // 1-based append index to fail at, 0 = never
}

func (s *sink) Append(p string) error {
	if s.failAt > 0 && len(s.parts)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.parts = append(s.parts, p)
	return nil
}

func (s *sink) String() string { return strings.Join(s.parts, "") }

// heuristicText returns text that the fixed-width codec counts as exactly n
// tokens (4 runes per token).
func heuristicText(n int) string {
	return strings.Repeat("abc ", n)
}

func TestStreamCompressGlobalRatio(t *testing.T) {
	var budgets []int
	client := &mockClient{
		ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			budgets = append(budgets, req.MaxTokens)
			return "digest", nil
		},
	}
	var progress [][4]int
	c := &Compressor{
		Client: client,
		Model:  "test-model",
		Codec:  tokenizer.Heuristic(),
		Progress: func(ci, bi, in, budget int) {
			progress = append(progress, [4]int{ci, bi, in, budget})
		},
	}

	out := &sink{}
	// Single global segment of 250000 tokens: 13 blocks of 20000 (last 10000),
	// ratio 126000/250000 = 0.504.
	if err := c.StreamCompress(context.Background(), heuristicText(250000), out); err != nil {
		t.Fatalf("compress: %v", err)
	}

	if len(budgets) != 13 {
		t.Fatalf("expected 13 summarization calls, got %d", len(budgets))
	}
	for i := 0; i < 12; i++ {
		if budgets[i] != 10080 {
			t.Errorf("block %d budget = %d, want 10080", i, budgets[i])
		}
	}
	if budgets[12] != 5040 {
		t.Errorf("last block budget = %d, want 5040", budgets[12])
	}

	// start delimiter + 13 blocks + end delimiter
	if len(out.parts) != 15 {
		t.Fatalf("expected 15 appends, got %d", len(out.parts))
	}
	if !strings.Contains(out.parts[0], "COURSE START") || !strings.Contains(out.parts[14], "COURSE END") {
		t.Fatal("missing course delimiters")
	}
	if len(progress) != 13 {
		t.Fatalf("expected 13 progress events, got %d", len(progress))
	}
	if progress[12][2] != 10000 {
		t.Errorf("last block input tokens = %d, want 10000", progress[12][2])
	}
}

func TestStreamCompressFloorAndCap(t *testing.T) {
	var budgets []int
	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			budgets = append(budgets, req.MaxTokens)
			return "d", nil
		}},
		Model: "test-model",
		Codec: tokenizer.Heuristic(),
	}

	// 100 tokens total: ratio 1.0, budget clamped up to the floor.
	if err := c.StreamCompress(context.Background(), heuristicText(100), &sink{}); err != nil {
		t.Fatal(err)
	}
	if len(budgets) != 1 || budgets[0] != DefaultFloorTokens {
		t.Fatalf("expected floor budget %d, got %v", DefaultFloorTokens, budgets)
	}

	// Huge block size with ratio 1 clamps down to the model max.
	budgets = nil
	c.BlockTokens = 40000
	c.TargetCorpusTokens = 1_000_000
	if err := c.StreamCompress(context.Background(), heuristicText(40000), &sink{}); err != nil {
		t.Fatal(err)
	}
	if len(budgets) != 1 || budgets[0] != DefaultMaxOutputTokens {
		t.Fatalf("expected cap budget %d, got %v", DefaultMaxOutputTokens, budgets)
	}
}

func TestStreamCompressCourseDelimiters(t *testing.T) {
	raw := "[Algebra] PAGE https://canvas.example.edu/courses/101/pages/a\n" +
		heuristicText(50) + "\n" +
		"[log] [course done] 101\n" +
		"[Biology] PAGE https://canvas.example.edu/courses/202/pages/b\n" +
		heuristicText(50) + "\n"

	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			return "digest", nil
		}},
		Model: "test-model",
		Codec: tokenizer.Heuristic(),
	}
	out := &sink{}
	if err := c.StreamCompress(context.Background(), raw, out); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{
		"--- COURSE START [Algebra] (courses/101) ---",
		"--- COURSE END [Algebra] (courses/101) ---",
		"--- COURSE START [Biology] (courses/202) ---",
		"--- COURSE END [Biology] (courses/202) ---",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if idx1, idx2 := strings.Index(text, "courses/101"), strings.Index(text, "courses/202"); idx1 > idx2 {
		t.Error("courses emitted out of order")
	}
}

func TestStreamCompressOvershootRewrite(t *testing.T) {
	calls := 0
	long := heuristicText(2000) // over the 512 floor budget
	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			calls++
			if calls == 1 {
				return long, nil
			}
			last := req.Messages[len(req.Messages)-1]
			if !strings.Contains(last.Content, "Rewrite") {
				t.Errorf("corrective request missing rewrite instruction: %q", last.Content)
			}
			return "short digest", nil
		}},
		Model: "test-model",
		Codec: tokenizer.Heuristic(),
	}
	out := &sink{}
	if err := c.StreamCompress(context.Background(), heuristicText(100), out); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one corrective call, got %d total calls", calls)
	}
	if !strings.Contains(out.String(), "short digest") {
		t.Fatal("expected rewrite result in output")
	}
	if strings.Contains(out.String(), long) {
		t.Fatal("overshooting first draft leaked into output")
	}
}

func TestStreamCompressAbortsOnError(t *testing.T) {
	calls := 0
	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			calls++
			if calls == 2 {
				return "", errors.New("backend down")
			}
			return "digest", nil
		}},
		Model:       "test-model",
		Codec:       tokenizer.Heuristic(),
		BlockTokens: 100,
	}
	out := &sink{}
	err := c.StreamCompress(context.Background(), heuristicText(300), out)
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("expected propagated error, got %v", err)
	}
	// First block stays durable: start delimiter + block 0.
	if len(out.parts) != 2 {
		t.Fatalf("expected 2 appends before abort, got %d", len(out.parts))
	}
	if calls != 2 {
		t.Fatalf("expected no calls after failure, got %d", calls)
	}
}

func TestStreamCompressEmptyInput(t *testing.T) {
	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			t.Fatal("unexpected summarization call")
			return "", nil
		}},
		Model: "test-model",
		Codec: tokenizer.Heuristic(),
	}
	out := &sink{}
	if err := c.StreamCompress(context.Background(), "", out); err != nil {
		t.Fatal(err)
	}
	if len(out.parts) != 0 {
		t.Fatalf("expected no output for empty input, got %v", out.parts)
	}
}

func TestTruncateEnforcesCap(t *testing.T) {
	c := &Compressor{
		Model:              "test-model",
		Codec:              tokenizer.Heuristic(),
		TargetCorpusTokens: 10,
	}
	short := heuristicText(5)
	if got := c.Truncate(short); got != short {
		t.Fatal("under-cap text must pass through unchanged")
	}
	long := heuristicText(100)
	got := c.Truncate(long)
	if tokenizer.Heuristic().Count(got) > 10 {
		t.Fatalf("truncated text still over cap: %d tokens", tokenizer.Heuristic().Count(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Fatal("truncation must be a prefix")
	}
}

func TestProgressiveSummarize(t *testing.T) {
	var prompts []string
	c := &Compressor{
		Client: &mockClient{ChatFunc: func(_ context.Context, req ai.ChatRequest) (string, error) {
			prompts = append(prompts, req.Messages[len(req.Messages)-1].Content)
			return fmt.Sprintf("summary v%d", len(prompts)), nil
		}},
		Model: "test-model",
		Codec: tokenizer.Heuristic(),
	}

	got, err := c.ProgressiveSummarize(context.Background(), "Week 1 material on derivatives.")
	if err != nil {
		t.Fatal(err)
	}
	if got != "summary v1" {
		t.Fatalf("expected single-round summary, got %q", got)
	}
	if !strings.Contains(prompts[0], "derivatives") {
		t.Fatal("prompt missing source material")
	}

	if got, err := c.ProgressiveSummarize(context.Background(), "   "); err != nil || got != "" {
		t.Fatalf("expected empty summary for blank input, got %q err %v", got, err)
	}
}
