package dferrors

import (
	"errors"
	"fmt"
)

// Simplified error handling for droidfleet

// Common error variables
var (
	// Validation
	ErrValidation = errors.New("validation failed")

	// Session lifecycle
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionUnhealthy = errors.New("session unhealthy")
	ErrSessionCreation  = errors.New("session creation failed")

	// Orchestration
	ErrDeviceBusy     = errors.New("device busy")
	ErrOwnerMismatch  = errors.New("owner mismatch")
	ErrNoValidDevices = errors.New("no valid devices")

	// Interpretation
	ErrTimeout = errors.New("timed out")
	ErrRuntime = errors.New("runtime failure")

	// Driver transport
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrDriverRejected    = errors.New("driver rejected request")

	// Storage
	ErrNotFound = errors.New("not found")
)

// Wrap wraps an error with a message
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// New creates a new error
func New(msg string) error {
	return errors.New(msg)
}

// Is checks if an error matches a target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As extracts an error of a specific type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsTransient reports whether an error is worth retrying at the driver level.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDriverUnavailable)
}
