package rdma

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

var (
	// ErrEventNotAcked indicates GetEvent was called while the previous event
	// was still unacknowledged.
	ErrEventNotAcked = errors.New("rdma: previous event not acknowledged")
	// ErrUnknownProvider indicates an unrecognised provider name.
	ErrUnknownProvider = errors.New("rdma: unknown provider")
	// ErrInsufficientAccess indicates that a memory region lacks the access
	// flags required by the requested operation.
	ErrInsufficientAccess = errors.New("rdma: memory region missing required access")
	// ErrOutOfRange indicates a buffer slice outside the registered region.
	ErrOutOfRange = errors.New("rdma: range outside registered region")
	// ErrPrivateDataTooLong indicates connect or accept private data above
	// MaxPrivateData.
	ErrPrivateDataTooLong = errors.New("rdma: private data too long")
	// ErrDescriptorLength indicates a remote descriptor of the wrong size.
	ErrDescriptorLength = errors.New("rdma: remote descriptor must be 12 bytes")
	// ErrDescriptorTruncated indicates an address that cannot be represented
	// in the legacy descriptor encoding.
	ErrDescriptorTruncated = errors.New("rdma: address does not fit legacy descriptor encoding")

	// ErrNotSupported is reported when a provider is not compiled in.
	ErrNotSupported = driver.ErrNotSupported
	// ErrBusy is reported when destroying an object that still has dependants.
	ErrBusy = driver.ErrBusy
	// ErrQueueFull is reported when a post would exceed the queue capacity.
	ErrQueueFull = driver.ErrQueueFull
	// ErrCQOverrun is reported once a completion queue overflowed.
	ErrCQOverrun = driver.ErrCQOverrun
)

// ErrInvalidHandle is returned when a wrapper is nil or already closed.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// CompletionError reports a work completion that finished with a non-success
// status.
type CompletionError struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("rdma: work request %d (%s) completed with %s (vendor error 0x%x)", e.ID, e.Opcode, e.Status, e.VendorErr)
}

// CheckCompletion returns a *CompletionError unless wc succeeded.
func CheckCompletion(wc WorkCompletion) error {
	if wc.Status == WCSuccess {
		return nil
	}
	return &CompletionError{ID: wc.ID, Status: wc.Status, Opcode: wc.Opcode, VendorErr: wc.VendorErr}
}
