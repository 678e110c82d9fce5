package session

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

var (
	// ErrUnexpectedEvent matches every *UnexpectedEventError.
	ErrUnexpectedEvent = errors.New("rdma session: unexpected connection event")
	// ErrNoCompletion indicates the completion channel woke up but the queue
	// held no entry to explain it.
	ErrNoCompletion = errors.New("rdma session: completion notification without completion")
	// ErrDuplicateWorkRequest indicates a post reused the identifier of a work
	// request that is still outstanding.
	ErrDuplicateWorkRequest = errors.New("rdma session: work request id already outstanding")
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("rdma session: invalid state transition")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("rdma session: connection closed")
	// ErrNotEstablished is returned by data operations before the handshake
	// completed.
	ErrNotEstablished = errors.New("rdma session: connection not established")
)

// UnexpectedEventError reports a connection-management event that does not
// match the next step of the handshake.
type UnexpectedEventError struct {
	Want   rdma.EventType
	Got    rdma.EventType
	Status int
}

func (e *UnexpectedEventError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rdma session: expected %s event, got %s (status %d)", e.Want, e.Got, e.Status)
	}
	return fmt.Sprintf("rdma session: expected %s event, got %s", e.Want, e.Got)
}

// Is lets errors.Is match ErrUnexpectedEvent.
func (e *UnexpectedEventError) Is(target error) bool {
	return target == ErrUnexpectedEvent
}

// TransitionError reports a state change the connection state machine does
// not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rdma session: invalid transition %s -> %s", e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

const (
	failureSetup    = "setup"
	failureSequence = "sequence"
	failureData     = "data"
)

// failureKind classifies a fatal error for metrics. Errors raised after the
// connection was established belong to the data phase unless they are
// sequencing errors.
func failureKind(err error, established bool) string {
	switch {
	case errors.Is(err, ErrUnexpectedEvent):
		return failureSequence
	case errors.Is(err, ErrNoCompletion), errors.Is(err, ErrDuplicateWorkRequest):
		return failureData
	}
	var cerr *rdma.CompletionError
	if errors.As(err, &cerr) || established {
		return failureData
	}
	return failureSetup
}
