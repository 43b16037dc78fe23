package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// heuristicCharsPerToken is the fixed-width fallback used when no BPE encoding
// is available for a model: 4 characters ≈ 1 token.
const heuristicCharsPerToken = 4

// Tokens is an opaque token sequence that can be sliced into contiguous blocks.
type Tokens interface {
	Len() int
	Slice(start, end int) Tokens
}

// Codec converts between text and tokens for one model. Implementations are
// pure; the same input always yields the same tokens.
type Codec interface {
	Encode(text string) Tokens
	Decode(t Tokens) string
	Count(text string) int
}

var codecs sync.Map // model -> Codec

// ForModel returns the codec for a model, falling back to the fixed-width
// heuristic when no BPE encoding can be resolved.
func ForModel(model string) Codec {
	if c, ok := codecs.Load(model); ok {
		return c.(Codec)
	}
	var c Codec
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		c = &bpeCodec{enc: enc}
	} else if enc, err := tiktoken.GetEncoding("o200k_base"); err == nil {
		c = &bpeCodec{enc: enc}
	} else {
		c = heuristicCodec{}
	}
	codecs.Store(model, c)
	return c
}

// Heuristic returns the fixed-width fallback codec directly.
func Heuristic() Codec {
	return heuristicCodec{}
}

// EstimateTokens returns the token count of text under the model's codec.
func EstimateTokens(text, model string) int {
	return ForModel(model).Count(text)
}

// TruncateToTokens returns the longest prefix of text whose token count is at
// most maxTokens. The search runs over character offsets, not token offsets,
// so it behaves identically under the BPE and heuristic codecs. An empty
// budget yields an empty string; no error is ever returned.
func TruncateToTokens(text string, maxTokens int, model string) string {
	return TruncateWith(ForModel(model), text, maxTokens)
}

// TruncateWith is TruncateToTokens against an explicit codec.
func TruncateWith(c Codec, text string, maxTokens int) string {
	if c.Count(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	best := ""
	for lo <= hi {
		mid := (lo + hi) / 2
		cand := string(runes[:mid])
		if c.Count(cand) <= maxTokens {
			best = cand
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// bpeCodec wraps a real tiktoken encoding.
type bpeCodec struct {
	enc *tiktoken.Tiktoken
}

type bpeTokens []int

func (t bpeTokens) Len() int                   { return len(t) }
func (t bpeTokens) Slice(start, end int) Tokens { return t[start:end] }

func (c *bpeCodec) Encode(text string) Tokens {
	return bpeTokens(c.enc.Encode(text, nil, nil))
}

func (c *bpeCodec) Decode(t Tokens) string {
	return c.enc.Decode([]int(t.(bpeTokens)))
}

func (c *bpeCodec) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCodec approximates tokens as fixed-size character slices; decode is
// plain concatenation.
type heuristicCodec struct{}

type charTokens []string

func (t charTokens) Len() int                   { return len(t) }
func (t charTokens) Slice(start, end int) Tokens { return t[start:end] }

func (heuristicCodec) Encode(text string) Tokens {
	runes := []rune(text)
	toks := make(charTokens, 0, (len(runes)+heuristicCharsPerToken-1)/heuristicCharsPerToken)
	for i := 0; i < len(runes); i += heuristicCharsPerToken {
		end := i + heuristicCharsPerToken
		if end > len(runes) {
			end = len(runes)
		}
		toks = append(toks, string(runes[i:end]))
	}
	return toks
}

func (heuristicCodec) Decode(t Tokens) string {
	var b []byte
	for _, s := range t.(charTokens) {
		b = append(b, s...)
	}
	return string(b)
}

func (heuristicCodec) Count(text string) int {
	n := len([]rune(text)) / heuristicCharsPerToken
	if n < 1 {
		return 1
	}
	return n
}
