package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

var errInvalidContent = errors.New("invalid message content")

// ChatRequest models the POST /chat request payload.
type ChatRequest struct {
	Prompt        string                      `json:"prompt,omitempty"`
	PromptContext string                      `json:"prompt_context,omitempty"`
	Topic         string                      `json:"topic,omitempty"`
	Model         string                      `json:"model,omitempty"`
	Messages      []ChatMessage               `json:"messages,omitempty"`
	Functions     []models.FunctionDefinition `json:"functions,omitempty"`
	FunctionCall  json.RawMessage             `json:"function_call,omitempty"`
}

// NewChatRequest builds a message-list request for the given model.
func NewChatRequest(model string, msgs []models.Message) ChatRequest {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return ChatRequest{
		Model:    model,
		Messages: out,
	}
}

// ToInput converts the wire payload into the relay's prompt input.
func (r ChatRequest) ToInput() models.PromptInput {
	var msgs []models.Message
	if r.Messages != nil {
		msgs = make([]models.Message, 0, len(r.Messages))
		for _, m := range r.Messages {
			msgs = append(msgs, m.ToMessage())
		}
	}

	var functionCall json.RawMessage
	if len(r.FunctionCall) > 0 && !bytes.Equal(bytes.TrimSpace(r.FunctionCall), []byte("null")) {
		functionCall = r.FunctionCall
	}

	return models.PromptInput{
		Prompt:        r.Prompt,
		PromptContext: r.PromptContext,
		Topic:         r.Topic,
		Model:         strings.TrimSpace(r.Model),
		Messages:      msgs,
		Functions:     r.Functions,
		FunctionCall:  functionCall,
	}
}

// ChatMessage captures a single message within the chat request. Content is
// either a plain string or an ordered list of content parts on the wire.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []models.ContentPart
	Name    string
}

// FromMessage converts a domain message to its wire form.
func FromMessage(m models.Message) ChatMessage {
	return ChatMessage{
		Role:    string(m.Role),
		Content: m.Content,
		Parts:   m.Parts,
		Name:    m.Name,
	}
}

// ToMessage converts the wire message to the domain form.
func (m ChatMessage) ToMessage() models.Message {
	return models.Message{
		Role:    models.Role(m.Role),
		Content: m.Content,
		Parts:   m.Parts,
		Name:    m.Name,
	}
}

// UnmarshalJSON supports string, null and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	text, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = text
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)
	return nil
}

// MarshalJSON emits string content unless the message carries parts.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	out := alias{Role: m.Role, Content: m.Content, Name: m.Name}
	if len(m.Parts) > 0 {
		out.Content = m.Parts
	}
	return json.Marshal(out)
}

func extractMessageContent(raw json.RawMessage) (string, []models.ContentPart, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return text, nil, nil
	}

	var parts []models.ContentPart
	if err := json.Unmarshal(trimmed, &parts); err == nil {
		return "", parts, nil
	}

	return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}
