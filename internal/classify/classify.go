// Package classify maps upstream and transport failures to a retry verdict
// and a user-facing message. The server and the client share the table.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"chatrelay/internal/models"
)

// Verdict decides whether retrying a failed request can help.
type Verdict int

const (
	Fatal Verdict = iota
	Retriable
)

func (v Verdict) String() string {
	if v == Retriable {
		return "retriable"
	}
	return "fatal"
}

// Kind names a failure category.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuth             Kind = "auth"
	KindModelUnavailable Kind = "model_unavailable"
	KindBadRequest       Kind = "bad_request"
	KindRateLimited      Kind = "rate_limited"
	KindUpstreamInternal Kind = "upstream_internal"
	KindTransport        Kind = "transport_dropped"
	KindUnclassified     Kind = "unclassified"
)

// User-facing messages that do not depend on the upstream status.
const (
	MessageMissingPrompt = "Prompt or context is required."
	MessageTooLong       = "Content is too long. Please shorten the content or try a higher model."
	MessageGeneric       = "Unable to generate AI assisted paragraph."
	MessageDropped       = "The connection to the chat server was interrupted."
	MessageGaveUp        = "Something went wrong with generating content!"
)

// Result is the single classification decision made for a failure. Status
// is zero when the failure carries no numeric status.
type Result struct {
	Verdict Verdict
	Kind    Kind
	Message string
	Status  int
	Detail  string
}

// Error returns the user-facing message so a Result can travel as an error.
func (r Result) Error() string {
	return r.UserMessage()
}

// UserMessage is the classified summary with any upstream diagnostic appended.
func (r Result) UserMessage() string {
	if r.Detail == "" || r.Detail == r.Message {
		return r.Message
	}
	if r.Message == "" {
		return r.Detail
	}
	return r.Message + "\n\n" + r.Detail
}

// Retriable reports whether the verdict allows another attempt.
func (r Result) Retriable() bool {
	return r.Verdict == Retriable
}

// Validation is a locally decided request failure; upstream is never called.
func Validation(message string) Result {
	return Result{
		Verdict: Fatal,
		Kind:    KindValidation,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

// TooLong rejects a request whose prompt leaves no room for a response.
func TooLong() Result {
	return Validation(MessageTooLong)
}

// Status classifies a provider HTTP status for the given model.
func Status(status int, model string) Result {
	switch status {
	case http.StatusBadRequest:
		return Result{
			Verdict: Fatal,
			Kind:    KindBadRequest,
			Message: fmt.Sprintf("Your model: '%s' may be incompatible or one of your parameters is unknown.", model),
			Status:  status,
		}
	case http.StatusUnauthorized:
		return Result{
			Verdict: Fatal,
			Kind:    KindAuth,
			Message: "Make sure you are properly signed in.",
			Status:  status,
		}
	case http.StatusForbidden:
		return Result{
			Verdict: Fatal,
			Kind:    KindAuth,
			Message: "Your token has expired.",
			Status:  status,
		}
	case http.StatusNotFound:
		return Result{
			Verdict: Fatal,
			Kind:    KindModelUnavailable,
			Message: fmt.Sprintf("Your model: '%s' may be incompatible or you may have exhausted your subscription allowance.", model),
			Status:  status,
		}
	case http.StatusTooManyRequests:
		return Result{
			Verdict: Retriable,
			Kind:    KindRateLimited,
			Message: "Too many requests, try again later. Exceeded current quota, sent requests too quickly, or overloaded engine.",
			Status:  status,
		}
	case http.StatusInternalServerError:
		return Result{
			Verdict: Retriable,
			Kind:    KindUpstreamInternal,
			Message: "The server had an error while processing your request, please try again.",
			Status:  status,
		}
	case 0:
		return Result{
			Verdict: Fatal,
			Kind:    KindUnclassified,
			Message: MessageGeneric,
		}
	default:
		return Result{
			Verdict: Fatal,
			Kind:    KindUnclassified,
			Message: fmt.Sprintf("Error with upstream API request (status %d).", status),
			Status:  status,
		}
	}
}

// Error classifies any failure raised while serving a request for model.
func Error(err error, model string) Result {
	if err == nil {
		return Result{}
	}

	var res Result
	if errors.As(err, &res) {
		return res
	}

	if errors.Is(err, models.ErrMissingPrompt) {
		return Validation(MessageMissingPrompt)
	}
	if errors.Is(err, models.ErrInvalidInput) {
		res = Validation(MessageGeneric)
		res.Detail = err.Error()
		return res
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		res = Status(apiErr.HTTPStatusCode, model)
		res.Detail = apiErr.Message
		return res
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		res = Status(reqErr.HTTPStatusCode, model)
		if reqErr.Err != nil {
			res.Detail = reqErr.Err.Error()
		}
		return res
	}

	res = Status(0, model)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Kind = KindTransport
	}
	res.Detail = err.Error()
	return res
}

// FrameVerdict decides the verdict for an Error frame's status code.
func FrameVerdict(status int) Verdict {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError:
		return Retriable
	default:
		return Fatal
	}
}

// OpenVerdict decides the verdict for a relay response that cannot be read
// as an event stream: a non-2xx status, or a 2xx with the wrong content type.
func OpenVerdict(status int) Verdict {
	switch {
	case status == http.StatusTooManyRequests:
		return Retriable
	case status >= 400 && status < 500:
		return Fatal
	case status >= 200 && status < 300:
		return Fatal
	default:
		return Retriable
	}
}

// Dropped is the client-side verdict for a stream that ended without a
// terminal frame or failed in transit.
func Dropped(detail string) Result {
	return Result{
		Verdict: Retriable,
		Kind:    KindTransport,
		Message: MessageDropped,
		Detail:  detail,
	}
}
