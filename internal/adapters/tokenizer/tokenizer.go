// Package tokenizer counts tokens for context budgeting.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens with a tiktoken encoding. It satisfies prompt.Counter.
type Tokenizer struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	name     string
}

// New loads the named encoding, e.g. cl100k_base.
func New(encoding string) (*Tokenizer, error) {
	tkm, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %s: %w", encoding, err)
	}
	return &Tokenizer{encoding: tkm, name: encoding}, nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoding.Encode(text, nil, nil))
}

// Name is the encoding name.
func (t *Tokenizer) Name() string { return t.name }

// Approx estimates four bytes per token. It is used when no encoding can be loaded.
type Approx struct{}

// Count rounds up len(text)/4.
func (Approx) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Counter is the minimal counting contract shared by both implementations.
type Counter interface {
	Count(text string) int
}

// NewOrApprox returns a tiktoken counter, or Approx with the load error.
func NewOrApprox(encoding string) (Counter, error) {
	t, err := New(encoding)
	if err != nil {
		return Approx{}, err
	}
	return t, nil
}
