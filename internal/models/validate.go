package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMissingPrompt indicates a request without prompt, context or messages.
var ErrMissingPrompt = errors.New("prompt or context is required")

// ErrInvalidInput wraps every other structural validation failure.
var ErrInvalidInput = errors.New("invalid chat request")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural invariants of a prompt input.
func (in PromptInput) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Field() == "Prompt" && fe.Tag() == "required_without_all" {
			return ErrMissingPrompt
		}
		problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}
