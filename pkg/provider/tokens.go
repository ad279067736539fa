package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is used for models tiktoken does not know.
const defaultEncoding = "cl100k_base"

// TokenCounter estimates token counts with tiktoken, falling back to a
// chars/4 heuristic when no encoding can be loaded.
type TokenCounter struct {
	mu       sync.Mutex
	fallback string
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool
	loader   func(model string) (*tiktoken.Tiktoken, error)
}

// NewTokenCounter creates a counter that defaults to cl100k_base.
func NewTokenCounter() *TokenCounter {
	return NewTokenCounterWithEncoding(defaultEncoding)
}

// NewTokenCounterWithEncoding creates a counter that uses encoding for
// models tiktoken does not recognise.
func NewTokenCounterWithEncoding(encoding string) *TokenCounter {
	return &TokenCounter{
		fallback: encoding,
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// Count returns the number of tokens text occupies for model.
func (tc *TokenCounter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := tc.encoder(model)
	if enc == nil {
		return estimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (tc *TokenCounter) encoder(model string) *tiktoken.Tiktoken {
	tc.mu.Lock()
	enc, ok := tc.encoders[model]
	failed := tc.failed[model]
	tc.mu.Unlock()
	if ok {
		return enc
	}
	if failed {
		return nil
	}

	// Loading may fetch the BPE ranks over the network, so it runs unlocked.
	// Concurrent first uses of a model may load twice; the first stored wins.
	enc, err := tc.load(model)

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if cached, ok := tc.encoders[model]; ok {
		return cached
	}
	if err != nil {
		tc.failed[model] = true
		return nil
	}
	tc.encoders[model] = enc
	return enc
}

func (tc *TokenCounter) load(model string) (*tiktoken.Tiktoken, error) {
	if tc.loader != nil {
		return tc.loader(model)
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tc.fallback)
	}
	return enc, err
}

// estimateTokens is a rough estimate: one token per four bytes.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
