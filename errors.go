package nvstore

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is the error type returned by device implementations and the
// tooling built on top of them.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseStoreError string

const rootError = baseStoreError("")

var ErrNoSpaceOnDevice = rootError.WithMessage("No space left on device")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrMediumCorrupted = rootError.WithMessage("Structure needs cleaning")
var ErrInvalidImage = rootError.WithMessage("Wrong medium type")
var ErrNotFound = rootError.WithMessage("No such record")
var ErrAlreadyInProgress = rootError.WithMessage("Operation already in progress")

func (e baseStoreError) Error() string {
	return string(e)
}

func (e baseStoreError) WithMessage(message string) DriverError {
	return customStoreError{
		message:       message,
		originalError: e,
	}
}

func (e baseStoreError) Wrap(err error) DriverError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customStoreError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customStoreError) Error() string {
	return e.message
}

func (e customStoreError) WithMessage(message string) DriverError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customStoreError) Wrap(err error) DriverError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customStoreError) Unwrap() error {
	return e.originalError
}
