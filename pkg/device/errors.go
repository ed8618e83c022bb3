package device

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidValue         = errors.New("invalid value")
	ErrOutOfMemory          = errors.New("out of memory")
	ErrNotFound             = errors.New("not found")
	ErrInvalidHandle        = errors.New("invalid handle")
	ErrLaunchOutOfResources = errors.New("launch out of resources")
	ErrNotReady             = errors.New("not ready")
	ErrNoDevice             = errors.New("no device")
	ErrAlreadyAcquired      = errors.New("already acquired")
	ErrLaunchFailed         = errors.New("launch failed")
)

// Error is a failed driver call. Code is the driver's numeric status where
// one exists.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (code %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error wrapping sentinel with extra detail.
func Errorf(op string, sentinel error, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}
