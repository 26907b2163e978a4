package monitor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for cost tracking. It prefers a real
// BPE encoding; when the encoding cannot be loaded (offline deployments),
// it falls back to the usual bytes/4 approximation.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter returns a lazy counter; the encoding is resolved on first
// use so construction never blocks on encoding downloads.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})

	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
