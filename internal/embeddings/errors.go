package embeddings

import (
	"context"
	"errors"
	"net/http"

	"github.com/raaihank/embedding-server/internal/batch"
	"github.com/raaihank/embedding-server/internal/inference"
	"github.com/raaihank/embedding-server/internal/tokenize"
)

// Kind classifies a failed request.
type Kind int

const (
	KindClientInput Kind = iota + 1
	KindCancelled
	KindTokenization
	KindInference
	KindDimensionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindCancelled:
		return "cancelled"
	case KindTokenization:
		return "tokenization"
	case KindInference:
		return "inference"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	default:
		return "unknown"
	}
}

// Status is the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindClientInput:
		return http.StatusBadRequest
	case KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ClientFault reports whether the caller caused the failure.
func (k Kind) ClientFault() bool {
	return k == KindClientInput || k == KindCancelled
}

// Error is returned by Service.Handle. Message is safe to show to clients; Err holds
// the internal detail and is only logged.
type Error struct {
	Kind    Kind
	Message string
	// Code overrides the kind's HTTP status when set.
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status to report.
func (e *Error) StatusCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return e.Kind.Status()
}

// ClientError builds a client input error with the given message.
func ClientError(message string, code int) *Error {
	return &Error{Kind: KindClientInput, Message: message, Code: code}
}

var errEmptyInput = ClientError("input is empty", 0)

// classify maps a pipeline error to its reported outcome.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, batch.ErrEmptyBatch):
		return errEmptyInput
	case errors.Is(err, tokenize.ErrTokenization):
		return &Error{Kind: KindTokenization, Message: "failed to tokenize input", Err: err}
	case errors.Is(err, batch.ErrDimensionMismatch):
		return &Error{Kind: KindDimensionMismatch, Message: "inference backend returned malformed output", Err: err}
	case errors.Is(err, inference.ErrUnavailable):
		return &Error{Kind: KindInference, Message: "inference backend unavailable", Err: err}
	case errors.Is(err, inference.ErrInference):
		return &Error{Kind: KindInference, Message: "inference failed", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCancelled, Message: "request cancelled", Err: err}
	default:
		return &Error{Kind: KindInference, Message: "internal error", Err: err}
	}
}
