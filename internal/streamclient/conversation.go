package streamclient

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"chatrelay/internal/models"
	"chatrelay/internal/translator"
)

// Greeting is the assistant message a fresh conversation starts with.
const Greeting = "Hello! I can answer any questions you have. How can I help you?"

// ErrSubmissionInFlight is returned when Submit is called while another
// submission is still streaming.
var ErrSubmissionInFlight = errors.New("a submission is already in flight")

// Conversation is the local message buffer of one chat. At most one
// submission streams at a time; its fragments are appended to the trailing
// assistant message.
type Conversation struct {
	client       *Client
	model        string
	systemPrompt string

	onFragment func(string)

	mu           sync.Mutex
	messages     []models.Message
	submitting   bool
	submissionID string
	cancel       context.CancelFunc
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithFragmentHandler is called with every fragment after it was appended
// to the reply.
func WithFragmentHandler(fn func(fragment string)) ConversationOption {
	return func(c *Conversation) {
		c.onFragment = fn
	}
}

// NewConversation creates a conversation that starts with the greeting.
func NewConversation(client *Client, model, systemPrompt string, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		client:       client,
		model:        model,
		systemPrompt: systemPrompt,
		messages:     []models.Message{greeting()},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends prompt, with optional image attachments, and blocks until
// the reply finished streaming or failed. Partial content stays in the
// conversation on failure.
func (c *Conversation) Submit(ctx context.Context, prompt string, imageURLs ...string) error {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmissionInFlight
	}

	user := userMessage(prompt, imageURLs)
	outbound := make([]models.Message, 0, len(c.messages)+2)
	if c.systemPrompt != "" {
		outbound = append(outbound, models.Message{Role: models.RoleSystem, Content: c.systemPrompt})
	}
	outbound = append(outbound, c.messages...)
	outbound = append(outbound, user)

	c.messages = append(c.messages, user, models.Message{Role: models.RoleAssistant})
	reply := len(c.messages) - 1

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	c.submitting = true
	c.submissionID = id
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.submissionID == id {
			c.submitting = false
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	c.client.logger.Debug("submitting chat prompt", "submission_id", id, "messages", len(outbound))

	var retry RetryState
	return c.client.Stream(ctx, translator.NewChatRequest(c.model, outbound), &retry, func(fragment string) {
		if !c.appendFragment(id, reply, fragment) {
			return
		}
		if c.onFragment != nil {
			c.onFragment(fragment)
		}
	})
}

func (c *Conversation) appendFragment(id string, reply int, fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submissionID != id || reply >= len(c.messages) {
		return false
	}
	c.messages[reply].Content += fragment
	return true
}

// Cancel aborts the in-flight submission, if any. It is safe to call
// repeatedly.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset cancels any submission and restores the greeting.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.submitting = false
	c.submissionID = ""
	c.messages = []models.Message{greeting()}
}

// Messages returns a snapshot of the conversation.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Submitting reports whether a submission is in flight.
func (c *Conversation) Submitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

// AwaitingReply reports whether a submission is in flight and no fragment
// has arrived yet.
func (c *Conversation) AwaitingReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.submitting || len(c.messages) == 0 {
		return false
	}
	return c.messages[len(c.messages)-1].Content == ""
}

func greeting() models.Message {
	return models.Message{Role: models.RoleAssistant, Content: Greeting}
}

func userMessage(prompt string, imageURLs []string) models.Message {
	if len(imageURLs) == 0 {
		return models.Message{Role: models.RoleUser, Content: prompt}
	}
	parts := make([]models.ContentPart, 0, len(imageURLs)+1)
	parts = append(parts, models.ContentPart{Type: models.PartTypeText, Text: prompt})
	for _, u := range imageURLs {
		parts = append(parts, models.ContentPart{
			Type:     models.PartTypeImageURL,
			ImageURL: &models.ImageURL{URL: u},
		})
	}
	return models.Message{Role: models.RoleUser, Parts: parts}
}
