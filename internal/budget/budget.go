// Package budget computes how many response tokens a request may ask for.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"chatrelay/internal/models"
)

const (
	// DefaultContextWindow applies to models missing from the catalogue.
	DefaultContextWindow = 2049
	// TokenBuffer is held back from every budget as a safety margin.
	TokenBuffer = 100
	// VisionTokenCeiling caps vision-tier responses before the buffer is
	// held back.
	VisionTokenCeiling = 4096
	// approximateCharsPerToken is used when no tokenizer is available.
	approximateCharsPerToken = 6
)

// ContextWindow returns the combined prompt+response token limit for model.
func ContextWindow(model string) int {
	if m, ok := models.LookupModel(model); ok {
		return m.ContextWindow
	}
	return DefaultContextWindow
}

// Compute returns the tokens left for a response. A result below 1 means the
// request must be rejected before contacting the upstream model.
func Compute(contextWindow, promptTokens, buffer int) int {
	return contextWindow - promptTokens - buffer
}

// ResponseTokens returns the max_tokens value sent upstream for a budget.
func ResponseTokens(model string, budget int) int {
	if m, ok := models.LookupModel(model); ok && m.VisionTier {
		return VisionTokenCeiling - TokenBuffer
	}
	return budget
}

// Encoder turns text into model tokens.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// EncodingFunc resolves the tokenizer for a model identifier.
type EncodingFunc func(model string) (Encoder, error)

// TiktokenEncoding resolves encoders through tiktoken-go.
func TiktokenEncoding(model string) (Encoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Counter counts prompt tokens. It never fails: missing encoders degrade to
// a sibling model's encoding and then to a character-length estimate.
//
// Each model's encoder is resolved at most once, failures included. After
// Preload the counter is sealed and Count only consults what was resolved.
type Counter struct {
	encoding EncodingFunc
	logger   *slog.Logger

	mu       sync.Mutex
	encoders map[string]resolved
	sealed   bool
}

type resolved struct {
	enc Encoder
	err error
}

// Option configures a Counter.
type Option func(*Counter)

// WithEncoding overrides the encoder lookup.
func WithEncoding(fn EncodingFunc) Option {
	return func(c *Counter) {
		c.encoding = fn
	}
}

// WithLogger sets the logger used for fallback diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Counter) {
		c.logger = logger
	}
}

// NewCounter constructs a Counter backed by tiktoken-go unless overridden.
func NewCounter(opts ...Option) *Counter {
	c := &Counter{
		encoding: TiktokenEncoding,
		logger:   slog.Default(),
		encoders: make(map[string]resolved),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Preload resolves the encoders for ids and their aliases, then seals the
// counter. It returns ctx.Err() if ctx ends first; lookups still running
// finish in the background and become visible to Count when they do.
func (c *Counter) Preload(ctx context.Context, ids ...string) error {
	var candidates []string
	for _, id := range ids {
		candidates = append(candidates, c.candidates(id)...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, candidate := range candidates {
			c.resolve(candidate)
		}
	}()

	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("preload token encoders: %w", ctx.Err())
	}
}

// Count returns the number of tokens text occupies for model.
func (c *Counter) Count(text, model string) int {
	var lastErr error
	for _, candidate := range c.candidates(model) {
		n, err := c.encode(text, candidate)
		if err == nil {
			return n
		}
		lastErr = err
	}

	c.logger.Warn("unable to count tokens, approximating", "model", model, "error", lastErr)
	return len(text) / approximateCharsPerToken
}

func (c *Counter) candidates(model string) []string {
	candidates := []string{model}
	if m, ok := models.LookupModel(model); ok && m.EncodingAlias != "" {
		candidates = append(candidates, m.EncodingAlias)
	}
	return candidates
}

// lookup returns the cached encoder for model. On a miss it resolves the
// encoder unless the counter is sealed.
func (c *Counter) lookup(model string) (Encoder, error) {
	c.mu.Lock()
	r, ok := c.encoders[model]
	sealed := c.sealed
	c.mu.Unlock()
	if ok {
		return r.enc, r.err
	}
	if sealed {
		return nil, fmt.Errorf("encoding for %q was not preloaded", model)
	}
	r = c.resolve(model)
	return r.enc, r.err
}

func (c *Counter) resolve(model string) resolved {
	c.mu.Lock()
	if r, ok := c.encoders[model]; ok {
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	enc, err := c.callEncoding(model)
	if err == nil && enc == nil {
		err = fmt.Errorf("no encoding for %q", model)
	}
	if err != nil {
		err = fmt.Errorf("resolve encoding for %q: %w", model, err)
	}
	r := resolved{enc: enc, err: err}

	c.mu.Lock()
	c.encoders[model] = r
	c.mu.Unlock()
	return r
}

func (c *Counter) callEncoding(model string) (enc Encoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return c.encoding(model)
}

func (c *Counter) encode(text, model string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder for %q panicked: %v", model, r)
		}
	}()

	enc, err := c.lookup(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
