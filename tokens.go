package cauce

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts and truncates text by model token count. Used to keep
// analyzer prompts and summarizer transcripts inside their budgets.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

// NewTokenCounter creates a counter for the given model. Unknown models fall
// back to the cl100k_base encoding. Encodings are cached process-wide.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &TokenCounter{encoding: enc, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate cuts text to at most budget tokens, preserving the tail. The tail
// is kept because recent turns matter more than old ones in a transcript.
func (tc *TokenCounter) Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return tc.encoding.Decode(tokens[len(tokens)-budget:])
}

// budgetText truncates with a TokenCounter when available, falling back to a
// rune cut sized at ~4 runes per token.
func budgetText(tc *TokenCounter, text string, budget int) string {
	if tc != nil {
		return tc.Truncate(text, budget)
	}
	r := []rune(text)
	max := budget * 4
	if len(r) <= max {
		return text
	}
	return string(r[len(r)-max:])
}
