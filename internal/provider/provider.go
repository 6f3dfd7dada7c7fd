package provider

import (
	"context"

	"chatrelay/internal/models"
)

// Delta is one increment of an upstream streaming response.
type Delta struct {
	Content           string
	FunctionCall      bool
	FunctionArguments string
	FinishReason      string
}

// Fragment returns the token text carried by the delta: function-call
// argument fragments take precedence over content.
func (d Delta) Fragment() string {
	if d.FunctionCall {
		return d.FunctionArguments
	}
	return d.Content
}

// Stream is a pull-based sequence of upstream increments. Recv returns
// io.EOF once the upstream response is complete.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Provider opens streaming completions against an upstream model API.
type Provider interface {
	Name() string
	StreamChat(ctx context.Context, req models.CompletionRequest) (Stream, error)
}
