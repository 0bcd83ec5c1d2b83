package source

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable means no device was found at open, or it is
	// claimed by someone else.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrUnsupportedValue is returned for a sample rate outside the
	// discovered list or a feature the device lacks. Nothing is changed.
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrStreamEnded is returned by pulls once the session stopped
	// streaming. It marks a clean end, like io.EOF.
	ErrStreamEnded = errors.New("stream ended")
	// ErrBlockTooLarge is returned when a block could never fit the buffer.
	ErrBlockTooLarge = errors.New("block larger than buffer capacity")
	// ErrClosed is returned by control calls after Close.
	ErrClosed = errors.New("session closed")
)

// RejectedError is a configuration command the hardware refused.
type RejectedError struct {
	Command string
	Code    int
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s has failed (%d)", e.Command, e.Code)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

type coder interface {
	Code() int
}

func rejected(command string, err error) error {
	code := -1
	var c coder
	if errors.As(err, &c) {
		code = c.Code()
	}
	return &RejectedError{Command: command, Code: code, Err: err}
}
