// Package streamclient consumes the relay's event stream, reconnecting with
// exponential backoff on Retriable failures.
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"chatrelay/internal/classify"
	"chatrelay/internal/frame"
	"chatrelay/internal/observability"
	"chatrelay/internal/translator"
)

const maxErrorBodyBytes = 4 << 10

// Error is the final failure of a streamed request.
type Error struct {
	Result   classify.Result
	Attempts int
	// Exhausted is set when a Retriable failure was escalated after
	// MaxAttempts retries.
	Exhausted bool
}

func (e *Error) Error() string {
	return e.Result.UserMessage()
}

func (e *Error) Unwrap() error {
	return e.Result
}

// Client streams chat requests from a relay endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	sleep    Sleeper
	metrics  *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithMetrics records retries on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a client for the /chat endpoint at endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid chat endpoint %q", endpoint)
	}
	c := &Client{
		endpoint: endpoint,
		http:     http.DefaultClient,
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stream sends req and delivers every token fragment to onToken in order.
// Retriable failures reopen a new connection with the identical body after
// the backoff delay; fragments already delivered are kept. It returns nil
// on a Success frame, an *Error on a Fatal or exhausted failure, and the
// context error when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req translator.ChatRequest, state *RetryState, onToken func(string)) error {
	if state == nil {
		state = &RetryState{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, done := c.attempt(ctx, body, req.Model, onToken)
		if done {
			state.Reset()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if !res.Retriable() {
			c.logger.Error("chat stream failed",
				"kind", res.Kind,
				"status", res.Status,
				"message", res.Message,
				"attempt", state.Attempts+1,
			)
			return &Error{Result: res, Attempts: state.Attempts + 1}
		}

		delay, ok := state.Next()
		if !ok {
			final := classify.Result{
				Verdict: classify.Fatal,
				Kind:    res.Kind,
				Message: classify.MessageGaveUp,
				Status:  res.Status,
				Detail:  res.UserMessage(),
			}
			c.logger.Error("chat stream gave up", "kind", res.Kind, "attempts", state.Attempts)
			return &Error{Result: final, Attempts: state.Attempts, Exhausted: true}
		}

		c.metrics.RecordClientRetry(string(res.Kind))
		c.logger.Warn("retrying chat stream",
			"attempt", state.Attempts,
			"delay_ms", delay.Milliseconds(),
			"kind", res.Kind,
			"status", res.Status,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// attempt runs one connection. done is true only after a Success frame.
func (c *Client) attempt(ctx context.Context, body []byte, model string, onToken func(string)) (res classify.Result, done bool) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		res = classify.Status(0, model)
		res.Detail = err.Error()
		return res, false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", frame.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classify.Dropped(err.Error()), false
	}
	defer resp.Body.Close()

	if res, ok := checkOpen(resp, model); !ok {
		return res, false
	}

	reader := frame.NewReader(resp.Body)
	for {
		f, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return classify.Dropped("stream closed before a terminal frame"), false
			}
			return classify.Dropped(err.Error()), false
		}
		if attemptCtx.Err() != nil {
			return classify.Dropped(attemptCtx.Err().Error()), false
		}

		switch f.Kind {
		case frame.KindToken:
			if onToken != nil && f.Text != "" {
				onToken(f.Text)
			}
		case frame.KindSuccess:
			return classify.Result{}, true
		case frame.KindError:
			return frameResult(f, model), false
		case frame.KindFatal:
			return frameResult(f, model), false
		}
	}
}

// frameResult classifies a terminal failure frame received from the relay.
func frameResult(f frame.Frame, model string) classify.Result {
	if f.Kind == frame.KindFatal {
		return classify.Result{
			Verdict: classify.Fatal,
			Kind:    classify.KindUnclassified,
			Message: f.Message,
		}
	}
	res := classify.Status(f.StatusCode, model)
	res.Verdict = classify.FrameVerdict(f.StatusCode)
	res.Status = f.StatusCode
	if f.Message != "" {
		res.Message = f.Message
	}
	return res
}

// checkOpen validates the response before any frame is read. A failed open
// keeps the relay's own terminal frame message when one is present.
func checkOpen(resp *http.Response, model string) (classify.Result, bool) {
	isStream := isEventStream(resp.Header.Get("Content-Type"))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && isStream {
		return classify.Result{}, true
	}

	res := classify.Status(resp.StatusCode, model)
	res.Verdict = classify.OpenVerdict(resp.StatusCode)
	res.Status = resp.StatusCode

	if ok {
		res.Kind = classify.KindUnclassified
		res.Message = classify.MessageGeneric
		res.Detail = fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type"))
		return res, false
	}

	if isStream {
		if f, err := frame.NewReader(resp.Body).Next(); err == nil && f.Terminal() && f.Message != "" {
			res.Message = f.Message
		}
		return res, false
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	res.Detail = strings.TrimSpace(string(data))
	return res, false
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == frame.ContentType
}
