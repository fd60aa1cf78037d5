package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport means no response was obtained from the upload endpoint.
	ErrTransport = errors.New("network error")
	// ErrMalformedResponse means a response arrived but could not be decoded.
	ErrMalformedResponse = errors.New("invalid response")

	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskNotFailed = errors.New("task has not failed")
	ErrQueueClosed   = errors.New("queue closed")
	ErrDuplicateTask = errors.New("task already queued")
)

// ApplicationError is a rejection reported by the server itself.
type ApplicationError struct {
	Message string
	Code    string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return "upload rejected"
	}
	return e.Message
}

// TransportError marks err as a network-level failure.
func TransportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// MalformedResponse marks err as a response decoding failure.
func MalformedResponse(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
}

// Outcome is the terminal result class of one executor run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeApplicationError
	OutcomeTransportError
	OutcomeMalformedResponse
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeApplicationError:
		return "application_error"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Classify maps an executor error onto the outcome taxonomy. Errors that are
// neither application nor decoding failures count as transport failures.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var appErr *ApplicationError
	switch {
	case errors.As(err, &appErr):
		return OutcomeApplicationError
	case errors.Is(err, ErrMalformedResponse):
		return OutcomeMalformedResponse
	default:
		return OutcomeTransportError
	}
}

// failureMessage is the text stored in a failed task's Error field.
func failureMessage(err error) string {
	var appErr *ApplicationError
	switch Classify(err) {
	case OutcomeApplicationError:
		errors.As(err, &appErr)
		return appErr.Error()
	case OutcomeMalformedResponse:
		return ErrMalformedResponse.Error()
	default:
		return ErrTransport.Error()
	}
}
