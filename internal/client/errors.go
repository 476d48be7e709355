package client

import (
	"errors"
	"fmt"

	"github.com/go-idp/pipeline/internal/plan"
)

// ErrInterrupted is wrapped by the TransportError returned for a run that
// the server stopped tracking before it finished.
var ErrInterrupted = errors.New("run interrupted by the server")

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is reports true for plan.ErrInvalid when the server rejected the
// definition.
func (e *APIError) Is(target error) bool {
	return target == plan.ErrInvalid && e.Kind == "validation"
}

// TransportError reports that the client could not reach the server or
// follow a run to completion.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
