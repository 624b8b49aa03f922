package injector

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"
)

var (
	// ErrNotConnected means the device has no shadow yet.
	ErrNotConnected = errors.New("device has not connected")
	// ErrNotIdentified means the device is online but has not reported
	// its device information.
	ErrNotIdentified = errors.New("device has not reported device information")
)

// Class tells the injector whether an attempt may be retried.
type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// fatalf marks an error as not worth retrying.
func fatalf(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

var transientCodes = map[string]bool{
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"ServiceUnavailableException": true,
	"InternalFailureException":    true,
	"InternalException":           true,
	"RequestTimeoutException":     true,
	"ResourceNotFoundException":   true,
	"LimitExceededException":      true,
}

// Classify sorts an attempt error into Transient or Fatal. Unknown errors
// are fatal so that real failures are not reported as a timeout.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return Fatal
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotIdentified) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return Transient
		}
		return Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Fatal
}
