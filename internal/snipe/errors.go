package snipe

import (
	"errors"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidRequest     = errors.New("invalid snipe request")
	ErrRiskLimitExceeded  = errors.New("risk limit exceeded")
	ErrSnipeNotFound      = errors.New("snipe not found")
	ErrSimulationFailed   = errors.New("transaction simulation failed")
	ErrGasPriceTooHigh    = errors.New("gas price above request limit")
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrSubmissionFailed   = errors.New("submission failed")
	ErrEstimationFailed   = errors.New("failed to estimate snipe cost")
	ErrSchedulerClosed    = errors.New("scheduler closed")
)

// Error carries the kind of a failure and a reason suitable for display.
type Error struct {
	Op     string
	ID     string
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason extracts the display reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Reason != "" {
			return se.Reason
		}
		return se.Kind.Error()
	}
	return err.Error()
}
