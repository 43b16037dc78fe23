// Package compress turns a raw scraped course corpus into a bounded
// compressed stream, one summarization call per token block, with a single
// global ratio so the total output stays under the corpus cap no matter how
// many courses the corpus holds.
package compress

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/coursebrief/internal/ai"
	"github.com/seanblong/coursebrief/internal/segment"
	"github.com/seanblong/coursebrief/internal/tokenizer"
)

const (
	DefaultBlockTokens        = 20000
	DefaultTargetCorpusTokens = 126000
	DefaultMaxOutputTokens    = 16384
	DefaultFloorTokens        = 512
)

const systemPrompt = `You compress university course material. Rewrite the given block as a dense, factual digest. You MUST preserve exactly: all deadlines and dates, grading schemes and weights, full assignment and exam descriptions, instructor names and contact details, and office hours. Drop boilerplate, navigation text, and repetition. If the block covers more than one course, label each course's material with the course name before its content.`

// Appender receives compressed output. Each Append call is expected to be
// durable before it returns.
type Appender interface {
	Append(s string) error
}

// Compressor drives block compression against a chat model. Zero-valued
// limits fall back to the package defaults.
type Compressor struct {
	Client ai.Client
	Model  string
	// Codec overrides the model-derived tokenizer, mostly for tests.
	Codec tokenizer.Codec

	BlockTokens        int
	TargetCorpusTokens int
	MaxOutputTokens    int
	FloorTokens        int

	// Progress, when set, fires after every durably appended block.
	Progress func(courseIndex, blockIndex, inputTokens, outputBudget int)
	// Log, when set, receives human-readable progress lines.
	Log func(line string)
}

func (c *Compressor) codec() tokenizer.Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return tokenizer.ForModel(c.Model)
}

func (c *Compressor) limits() (block, target, maxOut, floor int) {
	block, target, maxOut, floor = c.BlockTokens, c.TargetCorpusTokens, c.MaxOutputTokens, c.FloorTokens
	if block <= 0 {
		block = DefaultBlockTokens
	}
	if target <= 0 {
		target = DefaultTargetCorpusTokens
	}
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputTokens
	}
	if floor <= 0 {
		floor = DefaultFloorTokens
	}
	return
}

func (c *Compressor) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if c.Log != nil {
		c.Log(line)
	}
	log.Debug().Msg(line)
}

// StreamCompress segments raw text by course, compresses it block by block
// under one global ratio, and appends each block to out as soon as it is
// produced. Any summarization error aborts the run; blocks already appended
// stay written.
func (c *Compressor) StreamCompress(ctx context.Context, raw string, out Appender) error {
	blockTokens, target, maxOut, floor := c.limits()
	codec := c.codec()

	segments := segment.SplitByCourse(raw)
	if len(segments) == 0 {
		return nil
	}

	encoded := make([]tokenizer.Tokens, len(segments))
	total := 0
	for i, seg := range segments {
		encoded[i] = codec.Encode(seg.Text)
		total += encoded[i].Len()
	}
	if total == 0 {
		return nil
	}

	ratio := math.Min(1.0, float64(target)/float64(total))
	c.logf("corpus: %d segments, %d tokens, target ratio %.3f", len(segments), total, ratio)

	for ci, seg := range segments {
		label := courseLabel(seg)
		if err := out.Append(fmt.Sprintf("\n--- COURSE START %s ---\n", label)); err != nil {
			return fmt.Errorf("append course start: %w", err)
		}

		toks := encoded[ci]
		for bi, start := 0, 0; start < toks.Len(); bi, start = bi+1, start+blockTokens {
			end := start + blockTokens
			if end > toks.Len() {
				end = toks.Len()
			}
			blockText := codec.Decode(toks.Slice(start, end))
			inTokens := end - start
			budget := int(math.Round(float64(inTokens) * ratio))
			if budget < floor {
				budget = floor
			}
			if budget > maxOut {
				budget = maxOut
			}

			compressed, err := c.compressBlock(ctx, blockText, budget)
			if err != nil {
				return fmt.Errorf("course %d block %d: %w", ci, bi, err)
			}
			if err := out.Append(compressed + "\n"); err != nil {
				return fmt.Errorf("append block: %w", err)
			}
			c.logf("course %d block %d: %d tokens in, budget %d", ci, bi, inTokens, budget)
			if c.Progress != nil {
				c.Progress(ci, bi, inTokens, budget)
			}
		}

		if err := out.Append(fmt.Sprintf("--- COURSE END %s ---\n", label)); err != nil {
			return fmt.Errorf("append course end: %w", err)
		}
	}
	return nil
}

// compressBlock makes the summarization call, and on an output overshoot
// issues exactly one corrective rewrite whose result is used as-is.
func (c *Compressor) compressBlock(ctx context.Context, blockText string, budget int) (string, error) {
	result, err := c.Client.Chat(ctx, ai.ChatRequest{
		Model: c.Model,
		Messages: []ai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: blockText},
		},
		Temperature: 0.2,
		MaxTokens:   budget,
	})
	if err != nil {
		return "", err
	}

	if got := c.codec().Count(result); got > budget {
		c.logf("block output %d tokens over budget %d, requesting rewrite", got, budget)
		rewrite, err := c.Client.Chat(ctx, ai.ChatRequest{
			Model: c.Model,
			Messages: []ai.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: blockText},
				{Role: "assistant", Content: result},
				{Role: "user", Content: fmt.Sprintf("Rewrite the digest above so it fits within %d tokens. Keep every deadline, grade weight, assignment description, and instructor detail.", budget)},
			},
			Temperature: 0.2,
			MaxTokens:   budget,
		})
		if err != nil {
			return "", err
		}
		result = rewrite
	}
	return result, nil
}

func courseLabel(seg segment.CourseSegment) string {
	if seg.CourseID == segment.GlobalCourseID {
		return fmt.Sprintf("[%s]", seg.CourseName)
	}
	return fmt.Sprintf("[%s] (courses/%s)", seg.CourseName, seg.CourseID)
}

// EstimateTokens counts text under the compressor's tokenizer.
func (c *Compressor) EstimateTokens(text string) int {
	return c.codec().Count(text)
}

// Truncate enforces the corpus cap on a finished document, returning the
// longest prefix within the target token budget.
func (c *Compressor) Truncate(text string) string {
	_, target, _, _ := c.limits()
	return tokenizer.TruncateWith(c.codec(), text, target)
}

const (
	summaryChunkTokens   = 110000
	summaryMaxOutTokens  = 16000
	summaryContextTokens = 128000
	summaryHeadroom      = 1500
)

// ProgressiveSummarize folds an arbitrarily long corpus into a single running
// summary, one large chunk at a time. Each round feeds the previous summary
// plus the next chunk and asks for an updated summary; the combined prompt is
// truncated to the model context window less output and headroom.
func (c *Compressor) ProgressiveSummarize(ctx context.Context, raw string) (string, error) {
	codec := c.codec()
	toks := codec.Encode(raw)
	if toks.Len() == 0 || strings.TrimSpace(raw) == "" {
		return "", nil
	}

	summary := ""
	rounds := 0
	for start := 0; start < toks.Len(); start += summaryChunkTokens {
		end := start + summaryChunkTokens
		if end > toks.Len() {
			end = toks.Len()
		}
		chunk := codec.Decode(toks.Slice(start, end))
		rounds++

		prompt := chunk
		if summary != "" {
			prompt = "Summary so far:\n" + summary + "\n\nNew material:\n" + chunk
		}
		inputBudget := summaryContextTokens - summaryMaxOutTokens - summaryHeadroom
		prompt = tokenizer.TruncateWith(codec, prompt, inputBudget)

		updated, err := c.Client.Chat(ctx, ai.ChatRequest{
			Model: c.Model,
			Messages: []ai.Message{
				{Role: "system", Content: "You maintain a running summary of university course material. Produce an updated complete summary incorporating the new material. Preserve all deadlines, grading details, assignment descriptions, and instructor information."},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.2,
			MaxTokens:   summaryMaxOutTokens,
		})
		if err != nil {
			return "", fmt.Errorf("summary round %d: %w", rounds, err)
		}
		summary = updated
	}
	return summary, nil
}
