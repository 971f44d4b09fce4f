package protocol

import (
	"errors"
	"fmt"

	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/loader"
	"github.com/basket/flowrt/internal/network"
)

// ErrorKind classifies protocol errors for logs and metrics. Clients only see
// the message.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization_denied"
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindEngine        ErrorKind = "engine"
	KindUnsupported   ErrorKind = "unsupported"
)

// Error is a failure reported to the requesting client as an error message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrap attaches a message to an engine or model error, picking the kind from
// the sentinel it wraps.
func wrap(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindEngine
	switch {
	case errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, graph.ErrPortNotFound),
		errors.Is(err, graph.ErrGroupNotFound),
		errors.Is(err, graph.ErrInitialNotFound),
		errors.Is(err, loader.ErrNotFound),
		errors.Is(err, network.ErrProcessNotFound),
		errors.Is(err, network.ErrPortNotFound):
		kind = KindNotFound
	case errors.Is(err, graph.ErrNodeExists),
		errors.Is(err, graph.ErrPortExists),
		errors.Is(err, graph.ErrGroupExists),
		errors.Is(err, graph.ErrInvalid),
		errors.Is(err, loader.ErrInvalidSource),
		errors.Is(err, loader.ErrRecursive):
		kind = KindValidation
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// errorPayload is the body of every "error" command.
type errorPayload struct {
	Message string `json:"message"`
}
