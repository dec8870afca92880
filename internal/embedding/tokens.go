package embedding

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts cl100k tokens, the encoding used by OpenAI embedding models.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounter     *TokenCounter
	defaultCounterErr  error
	defaultCounterOnce sync.Once
)

// NewTokenCounter loads the cl100k_base encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k tokenizer: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultTokenCounter returns a process-wide counter, loading the encoding once.
func DefaultTokenCounter() (*TokenCounter, error) {
	defaultCounterOnce.Do(func() {
		defaultCounter, defaultCounterErr = NewTokenCounter()
	})
	return defaultCounter, defaultCounterErr
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokenize: %w", err)
	}
	return len(ids), nil
}
