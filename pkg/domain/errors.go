package domain

import "errors"

// Common domain errors
var (
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrUnknownEndpoint    = errors.New("unknown endpoint")
)

// UnitFailedError wraps the error raised by the business logic or system
// code of a unit of work, tagging it with the unit that failed.
type UnitFailedError struct {
	Kind Kind
	Unit string
	Err  error
}

func (e *UnitFailedError) Error() string {
	return string(e.Kind) + " " + e.Unit + " failed: " + e.Err.Error()
}

func (e *UnitFailedError) Unwrap() error {
	return e.Err
}
