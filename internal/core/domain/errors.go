package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAbsent marks a recognized negative result: the candidate was probed
	// and the remote resource confirmed nothing exists for it.
	ErrAbsent = errors.New("confirmed absent")

	// ErrConfig wraps invalid configuration. Runs terminate immediately on it.
	ErrConfig = errors.New("invalid configuration")
)

// FailureKind classifies a failed attempt.
type FailureKind string

const (
	KindTransport  FailureKind = "transport"   // connection, DNS or stream failure
	KindProtocol   FailureKind = "protocol"    // unexpected status code or payload shape
	KindTimeout    FailureKind = "timeout"     // no response within the round deadline
	KindWorkerLost FailureKind = "worker_lost" // the worker died or was killed mid-flight
)

// FetchError is the classified failure of one attempt. Every kind is retryable.
type FetchError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

func (e *FetchError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError builds a FetchError of the given kind around err.
func NewFetchError(kind FailureKind, err error) *FetchError {
	fe := &FetchError{Kind: kind, Err: err}
	if err != nil {
		fe.Message = err.Error()
	}
	return fe
}

// TransportError wraps err as a transport failure.
func TransportError(err error) *FetchError { return NewFetchError(KindTransport, err) }

// ProtocolError builds a protocol failure from a formatted message.
func ProtocolError(format string, args ...any) *FetchError {
	return NewFetchError(KindProtocol, fmt.Errorf(format, args...))
}

// TimeoutError builds the synthetic attempt failure used when a unit misses its deadline.
func TimeoutError(err error) *FetchError { return NewFetchError(KindTimeout, err) }

// WorkerLostError wraps err as a lost-worker failure.
func WorkerLostError(err error) *FetchError { return NewFetchError(KindWorkerLost, err) }

// Classify maps an arbitrary error returned by a fetch into a FetchError.
// It returns nil for nil and for ErrAbsent, which are both successful attempts.
func Classify(err error) *FetchError {
	if err == nil || errors.Is(err, ErrAbsent) {
		return nil
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TimeoutError(err)
	}

	return TransportError(err)
}
