package frame

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/classify"
)

func encode(t *testing.T, f Frame) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, f))
	return buf.String()
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "data: {\"text\":\"Hel\"}\n\n", encode(t, Token("Hel")))
	assert.Equal(t, "data: {\"success\":true}\n\n", encode(t, Success()))
	assert.Equal(t,
		"event: error\ndata: {\"error\":\"Too many requests\",\"statusCode\":429}\n\n",
		encode(t, Error("Too many requests", 429)))
	assert.Equal(t, "event: FatalError\ndata: \"stop now\"\n\n", encode(t, Fatal("stop now")))
}

func TestEncodeEscapesNewlines(t *testing.T) {
	assert.Equal(t, "data: {\"text\":\"line\\nbreak\"}\n\n", encode(t, Token("line\nbreak")))
}

func TestFromResult(t *testing.T) {
	f := FromResult(classify.TooLong())
	assert.Equal(t, KindError, f.Kind)
	assert.Equal(t, http.StatusBadRequest, f.StatusCode)
	assert.Equal(t, classify.MessageTooLong, f.Message)

	f = FromResult(classify.Status(0, "gpt-4"))
	assert.Equal(t, KindFatal, f.Kind)
	assert.Equal(t, classify.MessageGeneric, f.Message)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, Token("x").HTTPStatus())
	assert.Equal(t, http.StatusOK, Success().HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, Error("no", http.StatusUnauthorized).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Error("no", 0).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Fatal("no").HTTPStatus())
}

func TestTerminal(t *testing.T) {
	assert.False(t, Token("x").Terminal())
	assert.True(t, Success().Terminal())
	assert.True(t, Error("e", 500).Terminal())
	assert.True(t, Fatal("f").Terminal())
}
