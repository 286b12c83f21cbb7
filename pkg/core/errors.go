package core

import (
	"errors"
	"fmt"
)

// Error is the error value returned by every fallible subsystem. External
// calls never swallow failures; they wrap them in one of the types below so
// callers can decide whether the session survives.
type Error struct {
	Type     ErrorType `json:"type"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
	wrapped  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrProviderConnection: a transcription or synthesis stream could not
	// be opened. Surfaced to the client; the session is torn down.
	ErrProviderConnection ErrorType = "provider_connection_error"
	// ErrProviderRuntime: a mid-stream provider error. Surfaced as a
	// diagnostic; the session stays alive unless the provider closes.
	ErrProviderRuntime ErrorType = "provider_runtime_error"
	// ErrAnswerService: the index or generation call failed. Surfaced as a
	// textual error in place of an answer; the session stays alive.
	ErrAnswerService ErrorType = "answer_service_error"
	// ErrArtifactWrite: storage failure while persisting synthesized audio.
	// Surfaced as "audio unavailable"; the text answer is still delivered.
	ErrArtifactWrite ErrorType = "artifact_write_error"

	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
)

// NewProviderConnectionError wraps a failure to open a provider stream.
func NewProviderConnectionError(provider string, underlying error) *Error {
	return &Error{
		Type:     ErrProviderConnection,
		Message:  underlying.Error(),
		Provider: provider,
		wrapped:  underlying,
	}
}

// NewProviderRuntimeError wraps a mid-stream provider failure.
func NewProviderRuntimeError(provider string, underlying error) *Error {
	return &Error{
		Type:     ErrProviderRuntime,
		Message:  underlying.Error(),
		Provider: provider,
		wrapped:  underlying,
	}
}

// NewAnswerServiceError wraps a failed index or answer call.
func NewAnswerServiceError(underlying error) *Error {
	return &Error{
		Type:    ErrAnswerService,
		Message: underlying.Error(),
		wrapped: underlying,
	}
}

// NewArtifactWriteError wraps a storage failure during synthesis.
func NewArtifactWriteError(underlying error) *Error {
	return &Error{
		Type:    ErrArtifactWrite,
		Message: underlying.Error(),
		wrapped: underlying,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// TypeOf returns the ErrorType of err if it is (or wraps) a *Error, and ""
// otherwise.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
