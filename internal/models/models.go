package models

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Content part types accepted inside a multi-part message.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// ContentPart is one element of an ordered multi-part message body.
type ContentPart struct {
	Type     string    `json:"type" validate:"oneof=text image_url"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty" validate:"required_if=Type image_url"`
}

// ImageURL references an image attachment by URL or data URI.
type ImageURL struct {
	URL    string `json:"url" validate:"required"`
	Detail string `json:"detail,omitempty"`
}

// Message represents a single conversational message. Content holds plain
// text; Parts is used instead when the message carries images.
type Message struct {
	Role    Role `validate:"oneof=system user assistant function"`
	Content string
	Parts   []ContentPart `validate:"omitempty,dive"`
	Name    string
}

// Text returns the textual body of the message, joining text parts in order.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == PartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// IsMultiPart reports whether the message body is a content-part list.
func (m Message) IsMultiPart() bool {
	return len(m.Parts) > 0
}

// FunctionDefinition describes a callable function offered to the model.
type FunctionDefinition struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// PromptInput is the relay's view of one /chat request.
type PromptInput struct {
	Prompt        string `validate:"required_without_all=PromptContext Messages"`
	PromptContext string
	Topic         string
	Model         string
	Messages      []Message            `validate:"omitempty,dive"`
	Functions     []FunctionDefinition `validate:"omitempty,dive"`
	FunctionCall  json.RawMessage
}

// CompletionRequest is the shaped request sent to the upstream model.
type CompletionRequest struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	Messages     []Message
	Functions    []FunctionDefinition
	FunctionCall json.RawMessage
}

// Usage records token accounting for a relayed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}
