// Package providertest provides a scripted provider.Provider for tests.
package providertest

import (
	"context"
	"io"
	"sync"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

// Provider replays Deltas and then ends the stream with StreamErr, or
// io.EOF when StreamErr is nil. OpenErr fails StreamChat itself.
type Provider struct {
	Deltas    []provider.Delta
	StreamErr error
	OpenErr   error

	mu       sync.Mutex
	requests []models.CompletionRequest
	closed   int
}

func (p *Provider) Name() string {
	return "scripted"
}

func (p *Provider) StreamChat(ctx context.Context, req models.CompletionRequest) (provider.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &stream{ctx: ctx, parent: p, deltas: p.Deltas, err: p.StreamErr}, nil
}

// Requests returns every request StreamChat received.
func (p *Provider) Requests() []models.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CompletionRequest(nil), p.requests...)
}

// Closed returns how many streams were closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Text is a convenience for content deltas.
func Text(fragments ...string) []provider.Delta {
	out := make([]provider.Delta, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, provider.Delta{Content: f})
	}
	return out
}

type stream struct {
	ctx    context.Context
	parent *Provider
	deltas []provider.Delta
	err    error
	pos    int
}

func (s *stream) Recv() (provider.Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return provider.Delta{}, err
	}
	if s.pos < len(s.deltas) {
		d := s.deltas[s.pos]
		s.pos++
		return d, nil
	}
	if s.err != nil {
		return provider.Delta{}, s.err
	}
	return provider.Delta{}, io.EOF
}

func (s *stream) Close() error {
	s.parent.mu.Lock()
	s.parent.closed++
	s.parent.mu.Unlock()
	return nil
}
