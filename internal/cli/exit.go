package cli

import (
	"context"
	"errors"

	"github.com/go-idp/pipeline/internal/client"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitInvalid   = 2
	ExitCancelled = 3
	ExitTransport = 4
	ExitError     = 5
)

// statusError ends a command whose run did not succeed. The result has
// already been reported, so it carries no message.
type statusError struct {
	status model.RunStatus
}

func (e *statusError) Error() string { return "" }

func resultError(status model.RunStatus) error {
	if status == model.RunSucceeded {
		return nil
	}
	return &statusError{status: status}
}

func exitCode(err error) int {
	var se *statusError
	var te *client.TransportError
	switch {
	case errors.As(err, &se):
		switch se.status {
		case model.RunCancelled:
			return ExitCancelled
		case model.RunInterrupted:
			return ExitTransport
		default:
			return ExitFailed
		}
	case errors.Is(err, plan.ErrInvalid):
		return ExitInvalid
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &te):
		return ExitTransport
	default:
		return ExitError
	}
}
