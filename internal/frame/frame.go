// Package frame implements the relay's event-stream protocol: token frames
// followed by exactly one terminal frame.
package frame

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatrelay/internal/classify"
)

// ContentType is the media type of a relay response body.
const ContentType = "text/event-stream"

// Event names used on the wire. Token and success frames carry no event line.
const (
	EventError = "error"
	EventFatal = "FatalError"
)

// Kind discriminates the frame union.
type Kind int

const (
	KindToken Kind = iota
	KindSuccess
	KindError
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is one unit of the relay protocol.
type Frame struct {
	Kind       Kind
	Text       string
	Message    string
	StatusCode int
}

// Token carries one fragment of generated text.
func Token(text string) Frame {
	return Frame{Kind: KindToken, Text: text}
}

// Success terminates a completed stream.
func Success() Frame {
	return Frame{Kind: KindSuccess}
}

// Error terminates a stream with a classified failure.
func Error(message string, status int) Frame {
	return Frame{Kind: KindError, Message: message, StatusCode: status}
}

// Fatal terminates a stream and tells the client to stop immediately.
func Fatal(message string) Frame {
	return Frame{Kind: KindFatal, Message: message}
}

// FromResult renders a classification as its terminal frame. Failures
// without a numeric status become FatalError frames.
func FromResult(res classify.Result) Frame {
	if res.Status == 0 {
		return Fatal(res.UserMessage())
	}
	return Error(res.UserMessage(), res.Status)
}

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Kind != KindToken
}

// HTTPStatus is the status a response should close with after f.
func (f Frame) HTTPStatus() int {
	switch f.Kind {
	case KindError:
		if f.StatusCode > 0 {
			return f.StatusCode
		}
		return http.StatusBadRequest
	case KindFatal:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

type tokenPayload struct {
	Text string `json:"text"`
}

type successPayload struct {
	Success bool `json:"success"`
}

type errorPayload struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// Encode writes f in event-stream framing.
func Encode(w io.Writer, f Frame) error {
	var (
		event   string
		payload any
	)
	switch f.Kind {
	case KindToken:
		payload = tokenPayload{Text: f.Text}
	case KindSuccess:
		payload = successPayload{Success: true}
	case KindError:
		event = EventError
		payload = errorPayload{Error: f.Message, StatusCode: f.StatusCode}
	case KindFatal:
		event = EventFatal
		payload = f.Message
	default:
		return fmt.Errorf("encode frame: unknown kind %s", f.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("write frame event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame data: %w", err)
	}
	return nil
}
