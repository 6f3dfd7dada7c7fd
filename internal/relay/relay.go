// Package relay drives one upstream streaming completion per request and
// converts it into relay frames, ending with exactly one terminal frame.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"chatrelay/internal/budget"
	"chatrelay/internal/classify"
	"chatrelay/internal/frame"
	"chatrelay/internal/models"
	"chatrelay/internal/observability"
	"chatrelay/internal/prompt"
	"chatrelay/internal/provider"
)

// State is the lifecycle position of a relayed request.
type State int

const (
	StateInit State = iota
	StateValidating
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateValidating:
		return "validating"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Emitter receives the frames of one request in order.
type Emitter interface {
	Emit(f frame.Frame) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(f frame.Frame) error

func (fn EmitterFunc) Emit(f frame.Frame) error {
	return fn(f)
}

// Outcome summarises a finished request.
type Outcome struct {
	State     State
	Model     string
	Status    int
	Fragments int
	Usage     models.Usage
	// Result is the classification for failed requests.
	Result classify.Result
}

// Relay holds only read-only collaborators; concurrent Run calls never
// share request state.
type Relay struct {
	provider provider.Provider
	builder  prompt.Builder
	counter  *budget.Counter
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithBuilder overrides the request builder.
func WithBuilder(b prompt.Builder) Option {
	return func(r *Relay) {
		r.builder = b
	}
}

// WithCounter overrides the token counter.
func WithCounter(c *budget.Counter) Option {
	return func(r *Relay) {
		r.counter = c
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// New constructs a relay that streams from p.
func New(p provider.Provider, opts ...Option) (*Relay, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	r := &Relay{
		provider: p,
		builder:  prompt.NewBuilder(models.DefaultModel),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.counter == nil {
		r.counter = budget.NewCounter(budget.WithLogger(r.logger))
	}
	return r, nil
}

// Run serves one request. It emits zero or more token frames followed by
// exactly one terminal frame; the upstream call is opened only when the
// input is valid and the token budget is at least one.
func (r *Relay) Run(ctx context.Context, in models.PromptInput, out Emitter) Outcome {
	start := time.Now()
	r.metrics.StreamStarted()
	defer r.metrics.StreamEnded()

	outcome := r.run(ctx, in, out)

	r.metrics.RecordOutcome(outcome.State.String(), time.Since(start).Seconds())
	return outcome
}

func (r *Relay) run(ctx context.Context, in models.PromptInput, out Emitter) Outcome {
	outcome := Outcome{State: StateValidating, Model: r.builder.Model(in)}
	logger := r.logger.With("model", outcome.Model)

	if err := in.Validate(); err != nil {
		return r.fail(logger, out, outcome, classify.Error(err, outcome.Model))
	}

	req := r.builder.Build(in)
	promptTokens := r.counter.Count(prompt.CountableText(req), req.Model)
	outcome.Usage.PromptTokens = promptTokens
	r.metrics.RecordPromptTokens(req.Model, promptTokens)

	remaining := budget.Compute(budget.ContextWindow(req.Model), promptTokens, budget.TokenBuffer)
	if remaining < 1 {
		return r.fail(logger.With("prompt_tokens", promptTokens), out, outcome, classify.TooLong())
	}
	req.MaxTokens = budget.ResponseTokens(req.Model, remaining)

	logger.Debug("opening upstream stream",
		"provider", r.provider.Name(),
		"prompt_tokens", promptTokens,
		"max_tokens", req.MaxTokens,
	)

	outcome.State = StateStreaming
	stream, err := r.provider.StreamChat(ctx, req)
	if err != nil {
		return r.fail(logger, out, outcome, classify.Error(err, req.Model))
	}
	defer stream.Close()

	for fragment, err := range Fragments(stream) {
		if err != nil {
			return r.fail(logger, out, outcome, classify.Error(err, req.Model))
		}
		if err := out.Emit(frame.Token(fragment)); err != nil {
			// The client is gone; no terminal frame can reach it.
			logger.Warn("client stream write failed", "error", err, "fragments", outcome.Fragments)
			outcome.State = StateFailed
			outcome.Result = classify.Error(err, req.Model)
			return outcome
		}
		outcome.Fragments++
		r.metrics.RecordFragment(req.Model)
	}
	outcome.Usage.CompletionTokens = outcome.Fragments

	if err := out.Emit(frame.Success()); err != nil {
		logger.Warn("write success frame failed", "error", err)
	}
	outcome.State = StateDone
	outcome.Status = frame.Success().HTTPStatus()
	return outcome
}

func (r *Relay) fail(logger *slog.Logger, out Emitter, outcome Outcome, res classify.Result) Outcome {
	logger.Error("chat request failed",
		"state", outcome.State.String(),
		"kind", res.Kind,
		"verdict", res.Verdict.String(),
		"status", res.Status,
		"message", res.Message,
		"detail", res.Detail,
	)
	r.metrics.RecordError(string(res.Kind), res.Verdict.String())

	terminal := frame.FromResult(res)
	if err := out.Emit(terminal); err != nil {
		logger.Warn("write error frame failed", "error", err)
	}

	outcome.State = StateFailed
	outcome.Status = terminal.HTTPStatus()
	outcome.Result = res
	return outcome
}

// Fragments drains s lazily, yielding every non-empty fragment in arrival
// order. A stream error is yielded once and ends the sequence; io.EOF ends
// it cleanly.
func Fragments(s provider.Stream) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			delta, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			text := delta.Fragment()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}
