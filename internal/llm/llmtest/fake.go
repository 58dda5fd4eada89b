// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hyperjump/matome/internal/llm"
)

// Handler produces a reply for one prompt.
type Handler func(prompt string) (string, error)

type rule struct {
	match   string
	handler Handler
}

// Fake routes prompts to the first rule whose match string the prompt contains.
// It is safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	calls []string
}

var _ llm.Client = (*Fake)(nil)

// New returns an empty Fake. Unmatched prompts fail.
func New() *Fake {
	return &Fake{}
}

// On replies to matching prompts with replies in order, repeating the last one.
func (f *Fake) On(match string, replies ...string) *Fake {
	var mu sync.Mutex
	n := 0
	return f.OnFunc(match, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return "", nil
		}
		r := replies[min(n, len(replies)-1)]
		n++
		return r, nil
	})
}

// OnError fails matching prompts with err.
func (f *Fake) OnError(match string, err error) *Fake {
	return f.OnFunc(match, func(string) (string, error) { return "", err })
}

// OnFunc routes matching prompts to h.
func (f *Fake) OnFunc(match string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{match: match, handler: h})
	return f
}

// Complete implements llm.Client.
func (f *Fake) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	var h Handler
	for _, r := range f.rules {
		if strings.Contains(prompt, r.match) {
			h = r.handler
			break
		}
	}
	f.mu.Unlock()
	if h == nil {
		return "", fmt.Errorf("llmtest: no rule matches prompt %q", head(prompt))
	}
	return h(prompt)
}

// Calls returns every prompt received.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many received prompts contain match.
func (f *Fake) Count(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// Pool wraps f in an llm.Pool with a single attempt and no rate limit.
func (f *Fake) Pool(concurrency int) *llm.Pool {
	return llm.NewPool(llm.NewRateLimiter(concurrency, 0, 0), f, llm.RetryPolicy{MaxAttempts: 1})
}

func head(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
