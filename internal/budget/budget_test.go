package budget

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
)

type wordEncoder struct{}

func (wordEncoder) Encode(text string, _ []string, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}

type panicEncoder struct{}

func (panicEncoder) Encode(string, []string, []string) []int {
	panic("encoder exploded")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, 8192, ContextWindow(models.ModelGPT4))
	assert.Equal(t, 4096, ContextWindow(models.ModelGPTTurbo))
	assert.Equal(t, 128000, ContextWindow(models.ModelGPT4Vision))
	assert.Equal(t, DefaultContextWindow, ContextWindow("text-davinci-003"))
}

func TestCompute(t *testing.T) {
	for _, tc := range []struct {
		window, prompt, want int
	}{
		{window: 8192, prompt: 4000, want: 4092},
		{window: 4096, prompt: 3995, want: 1},
		{window: 4096, prompt: 3996, want: 0},
		{window: 2049, prompt: 5000, want: -3051},
	} {
		assert.Equal(t, tc.want, Compute(tc.window, tc.prompt, TokenBuffer))
	}
}

func TestResponseTokens(t *testing.T) {
	assert.Equal(t, 4092, ResponseTokens(models.ModelGPT4, 4092))
	assert.Equal(t, 3996, ResponseTokens(models.ModelGPT4Vision, 120000))
	assert.Equal(t, 3996, ResponseTokens(models.ModelGPT41106Preview, 10))
	assert.Equal(t, 1949, ResponseTokens("unknown-model", 1949))
}

func TestCounterUsesModelEncoding(t *testing.T) {
	var asked []string
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(model string) (Encoder, error) {
		asked = append(asked, model)
		return wordEncoder{}, nil
	}))

	assert.Equal(t, 3, c.Count("one two three", models.ModelGPT4))
	assert.Equal(t, []string{models.ModelGPT4}, asked)
}

func TestCounterFallsBackToAlias(t *testing.T) {
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(model string) (Encoder, error) {
		if model == models.ModelGPT4 {
			return wordEncoder{}, nil
		}
		return nil, errors.New("no encoding")
	}))

	assert.Equal(t, 2, c.Count("hello world", models.ModelGPT40613))
}

func TestCounterApproximatesWhenEncodingFails(t *testing.T) {
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(string) (Encoder, error) {
		return nil, errors.New("offline")
	}))

	text := strings.Repeat("a", 61)
	assert.Equal(t, 10, c.Count(text, "mystery-model"))
	assert.Equal(t, 0, c.Count("", "mystery-model"))
}

func TestCounterRecoversFromPanics(t *testing.T) {
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(string) (Encoder, error) {
		return panicEncoder{}, nil
	}))

	require.NotPanics(t, func() {
		assert.Equal(t, 2, c.Count("twelve chars", models.ModelGPT4Vision))
	})
}

func TestCounterResolvesEachModelOnce(t *testing.T) {
	var calls atomic.Int32
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(model string) (Encoder, error) {
		calls.Add(1)
		if model == models.ModelGPT4 {
			return wordEncoder{}, nil
		}
		return nil, errors.New("offline")
	}))

	for range 20 {
		assert.Equal(t, 2, c.Count("hello world", models.ModelGPT40613))
		assert.Equal(t, 1, c.Count("abcdef", "mystery-model"))
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestPreloadSealsCounter(t *testing.T) {
	var asked []string
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(model string) (Encoder, error) {
		asked = append(asked, model)
		return wordEncoder{}, nil
	}))

	require.NoError(t, c.Preload(context.Background(), models.ModelGPT40613))
	assert.Equal(t, []string{models.ModelGPT40613, models.ModelGPT4}, asked)

	assert.Equal(t, 2, c.Count("hello world", models.ModelGPT4))
	assert.Equal(t, 2, c.Count("abcdefghijkl", "mystery-model"))
	assert.Len(t, asked, 2)
}

func TestPreloadGivesUpWhenContextEnds(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c := NewCounter(WithLogger(quietLogger()), WithEncoding(func(string) (Encoder, error) {
		<-release
		return wordEncoder{}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Preload(ctx, models.ModelGPT4)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan int, 1)
	go func() { done <- c.Count("twelve chars", models.ModelGPT4) }()
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("Count blocked on a pending encoder lookup")
	}
}

// writeByteRanks seeds the tiktoken cache with a cl100k_base file whose
// vocabulary is the 256 single bytes, so every byte is one token.
func writeByteRanks(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TIKTOKEN_CACHE_DIR", dir)

	var ranks bytes.Buffer
	for b := range 256 {
		fmt.Fprintf(&ranks, "%s %d\n", base64.StdEncoding.EncodeToString([]byte{byte(b)}), b)
	}
	const blob = "https://openaipublic.blob.core.windows.net/encodings/cl100k_base.tiktoken"
	name := fmt.Sprintf("%x", sha1.Sum([]byte(blob)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), ranks.Bytes(), 0o644))
}

func TestDefaultCounterUsesTiktoken(t *testing.T) {
	writeByteRanks(t)
	var logs bytes.Buffer
	c := NewCounter(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	require.NoError(t, c.Preload(context.Background(), models.ModelGPTTurbo))
	for range 20 {
		assert.Equal(t, 5, c.Count("hello", models.ModelGPTTurbo))
	}
	assert.Empty(t, logs.String())
}
