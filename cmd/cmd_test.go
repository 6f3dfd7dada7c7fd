package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/frame"
)

func TestParseLogLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := parseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseLogLevel("loud")
	assert.Error(t, err)
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "chat")
}

func relayServer(t *testing.T, frames ...frame.Frame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", frame.ContentType)
		for _, f := range frames {
			_ = frame.Encode(w, f)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CHATRELAY_PORT", "")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestChatOneShotPrintsReply(t *testing.T) {
	srv := relayServer(t, frame.Token("Hi"), frame.Token(" there"), frame.Success())

	out, err := runRoot(t, "", "chat", "--endpoint", srv.URL+"/chat", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there\n", out)
}

func TestChatREPLReadsPrompts(t *testing.T) {
	srv := relayServer(t, frame.Token("ok"), frame.Success())

	out, err := runRoot(t, "first\n\n/reset\nsecond\n/quit\n", "chat", "--endpoint", srv.URL+"/chat")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "ok\n"))
	assert.Equal(t, 2, strings.Count(out, "How can I help you?"))
}

func TestChatRejectsBadEndpoint(t *testing.T) {
	_, err := runRoot(t, "", "chat", "--endpoint", "ftp://example.com/chat", "hi")
	assert.Error(t, err)
}

func TestServeRequiresAPIKey(t *testing.T) {
	_, err := runRoot(t, "", "serve")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}
