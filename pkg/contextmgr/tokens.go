package contextmgr

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter produces exact token counts for one model. The budgeting path
// sticks to the character heuristic; exact counts feed processing stats.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenCounter creates a counter for the model, falling back to
// cl100k_base for models tiktoken does not know (Anthropic models included).
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the exact token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return int(float64(len(text)) / 3.5)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model this counter encodes for.
func (tc *TokenCounter) Model() string {
	return tc.model
}
