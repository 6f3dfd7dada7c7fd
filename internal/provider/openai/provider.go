package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

// Provider implements provider.Provider for OpenAI-compatible APIs.
type Provider struct {
	name   string
	client *goopenai.Client
}

// New creates a new OpenAI provider. The API key is captured here and never
// read again from the environment.
func New(name string, cfg config.UpstreamConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	clientCfg.OrgID = cfg.Organization
	clientCfg.HTTPClient = client

	return &Provider{
		name:   name,
		client: goopenai.NewClientWithConfig(clientCfg),
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// StreamChat opens a streaming chat completion. Errors returned here and
// from the stream are go-openai error types and carry the HTTP status.
func (p *Provider) StreamChat(ctx context.Context, req models.CompletionRequest) (provider.Stream, error) {
	payload, err := buildChatPayload(req)
	if err != nil {
		return nil, err
	}

	s, err := p.client.CreateChatCompletionStream(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	return &stream{s: s}, nil
}

type stream struct {
	s *goopenai.ChatCompletionStream
}

func (st *stream) Recv() (provider.Delta, error) {
	resp, err := st.s.Recv()
	if err != nil {
		return provider.Delta{}, err
	}
	if len(resp.Choices) == 0 {
		return provider.Delta{}, nil
	}

	choice := resp.Choices[0]
	delta := provider.Delta{
		Content:      choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}
	if fc := choice.Delta.FunctionCall; fc != nil {
		delta.FunctionCall = true
		delta.FunctionArguments = fc.Arguments
	}
	return delta, nil
}

func (st *stream) Close() error {
	return st.s.Close()
}

func buildChatPayload(req models.CompletionRequest) (goopenai.ChatCompletionRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return goopenai.ChatCompletionRequest{}, errors.New("model must not be empty")
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, toOpenAIMessage(msg))
	}

	payload := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		// go-openai omits a zero temperature, which the API reads as 1.
		Temperature: req.Temperature,
	}
	if payload.Temperature == 0 {
		payload.Temperature = math.SmallestNonzeroFloat32
	}

	if len(req.Functions) > 0 {
		payload.Functions = make([]goopenai.FunctionDefinition, 0, len(req.Functions))
		for _, fn := range req.Functions {
			params := fn.Parameters
			if len(params) == 0 {
				params = emptyParameters
			}
			payload.Functions = append(payload.Functions, goopenai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  params,
			})
		}
	}
	if len(req.FunctionCall) > 0 {
		payload.FunctionCall = req.FunctionCall
	}

	return payload, nil
}

func toOpenAIMessage(msg models.Message) goopenai.ChatCompletionMessage {
	out := goopenai.ChatCompletionMessage{
		Role: string(msg.Role),
		Name: msg.Name,
	}
	if !msg.IsMultiPart() {
		out.Content = msg.Content
		return out
	}

	out.MultiContent = make([]goopenai.ChatMessagePart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			out.MultiContent = append(out.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    part.ImageURL.URL,
					Detail: goopenai.ImageURLDetail(part.ImageURL.Detail),
				},
			})
		default:
			out.MultiContent = append(out.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		}
	}
	return out
}
