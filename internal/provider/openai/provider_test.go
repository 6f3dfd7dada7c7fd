package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New("openai", config.UpstreamConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, srv.Client())
	require.NoError(t, err)
	return p
}

func drain(t *testing.T, s provider.Stream) []provider.Delta {
	t.Helper()
	var out []provider.Delta
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, d)
	}
}

func TestStreamChatSendsShapedRequest(t *testing.T) {
	var captured map[string]any
	var auth, path string

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	s, err := p.StreamChat(context.Background(), models.CompletionRequest{
		Model:     models.ModelGPT4Vision,
		MaxTokens: 4096,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "sys"},
			{Role: models.RoleUser, Parts: []models.ContentPart{
				{Type: models.PartTypeText, Text: "what is it"},
				{Type: models.PartTypeImageURL, ImageURL: &models.ImageURL{URL: "https://example.com/a.png"}},
			}},
		},
	})
	require.NoError(t, err)
	defer s.Close()

	deltas := drain(t, s)
	require.Len(t, deltas, 3)
	assert.Equal(t, "Hel", deltas[0].Fragment())
	assert.Equal(t, "lo", deltas[1].Fragment())
	assert.Equal(t, "", deltas[2].Fragment())
	assert.Equal(t, "stop", deltas[2].FinishReason)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, models.ModelGPT4Vision, captured["model"])
	assert.Equal(t, float64(4096), captured["max_tokens"])
	assert.Equal(t, true, captured["stream"])
	assert.Greater(t, captured["temperature"], float64(0))
	assert.Less(t, captured["temperature"], 1e-6)

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	user := msgs[1].(map[string]any)
	parts, ok := user["content"].([]any)
	require.True(t, ok)
	assert.Len(t, parts, 2)
}

func TestStreamChatForwardsFunctionArguments(t *testing.T) {
	var captured map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"index":0,"delta":{"function_call":{"name":"lookup","arguments":"{\"q\":"}}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"index":0,"delta":{"function_call":{"arguments":"\"go\"}"}}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	s, err := p.StreamChat(context.Background(), models.CompletionRequest{
		Model:        models.ModelGPT4,
		Messages:     []models.Message{{Role: models.RoleUser, Content: "find go"}},
		Functions:    []models.FunctionDefinition{{Name: "lookup"}},
		FunctionCall: json.RawMessage(`{"name":"lookup"}`),
	})
	require.NoError(t, err)
	defer s.Close()

	deltas := drain(t, s)
	require.Len(t, deltas, 2)
	assert.True(t, deltas[0].FunctionCall)
	assert.Equal(t, `{"q":`, deltas[0].Fragment())
	assert.Equal(t, `"go"}`, deltas[1].Fragment())

	fns := captured["functions"].([]any)
	require.Len(t, fns, 1)
	fn := fns[0].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, fn["parameters"])
	assert.Equal(t, map[string]any{"name": "lookup"}, captured["function_call"])
}

func TestStreamChatSurfacesAPIError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})

	_, err := p.StreamChat(context.Background(), models.CompletionRequest{
		Model:    models.ModelGPT4,
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)

	var apiErr *goopenai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatusCode)
	assert.Equal(t, "Incorrect API key provided", apiErr.Message)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("openai", config.UpstreamConfig{APIKey: "k", BaseURL: "http://x"}, nil)
	assert.Error(t, err)

	_, err = New("openai", config.UpstreamConfig{BaseURL: "http://x"}, http.DefaultClient)
	assert.Error(t, err)

	_, err = New("openai", config.UpstreamConfig{APIKey: "k"}, http.DefaultClient)
	assert.Error(t, err)
}

func TestBuildChatPayloadRequiresModel(t *testing.T) {
	_, err := buildChatPayload(models.CompletionRequest{})
	assert.Error(t, err)
}
