// Package prompt assembles the outbound completion request.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

// Temperature is fixed for deterministic sampling.
const Temperature = 0

// Builder shapes prompt inputs into completion requests.
type Builder struct {
	DefaultModel string
}

// NewBuilder returns a Builder that falls back to defaultModel.
func NewBuilder(defaultModel string) Builder {
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = models.DefaultModel
	}
	return Builder{DefaultModel: defaultModel}
}

// Model resolves the model the request will run against.
func (b Builder) Model(in models.PromptInput) string {
	if in.Model != "" {
		return in.Model
	}
	if b.DefaultModel != "" {
		return b.DefaultModel
	}
	return models.DefaultModel
}

// Build returns the completion request for in. MaxTokens is left for the
// caller to fill from the token budget.
func (b Builder) Build(in models.PromptInput) models.CompletionRequest {
	messages := in.Messages
	if messages == nil {
		messages = []models.Message{{
			Role:    models.RoleUser,
			Content: Render(in.Prompt, in.PromptContext, in.Topic),
		}}
	}

	req := models.CompletionRequest{
		Model:       b.Model(in),
		Temperature: Temperature,
		Messages:    messages,
	}
	if len(in.Functions) > 0 {
		req.Functions = in.Functions
	}
	if len(in.FunctionCall) > 0 {
		req.FunctionCall = in.FunctionCall
	}
	return req
}

// Render synthesizes the single user message body from its pieces.
func Render(prompt, promptContext, topic string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if promptContext != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(promptContext)
	}
	if topic != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "The topic of the following response is \"%s\". ", topic)
	}
	return b.String()
}

// CountableText is the text whose token count is charged against the
// context window: every message followed by a newline, then each function.
func CountableText(req models.CompletionRequest) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Text())
		b.WriteString("\n")
	}
	for _, fn := range req.Functions {
		if data, err := json.Marshal(fn); err == nil {
			b.Write(data)
		}
	}
	return b.String()
}
