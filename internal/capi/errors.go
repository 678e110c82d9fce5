//go:build unix

package capi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// Errno represents an errno value reported by librdmacm or libibverbs.
type Errno int32

// Error codes surfaced by the connection manager and verbs calls we wrap.
const (
	Success         Errno = 0
	ErrAgain        Errno = Errno(unix.EAGAIN)
	ErrInterrupted  Errno = Errno(unix.EINTR)
	ErrNoMemory     Errno = Errno(unix.ENOMEM)
	ErrNoSpace      Errno = Errno(unix.ENOSPC)
	ErrNoDevice     Errno = Errno(unix.ENODEV)
	ErrInvalid      Errno = Errno(unix.EINVAL)
	ErrBusy         Errno = Errno(unix.EBUSY)
	ErrNotSupp      Errno = Errno(unix.EOPNOTSUPP)
	ErrNoSys        Errno = Errno(unix.ENOSYS)
	ErrAddrInUse    Errno = Errno(unix.EADDRINUSE)
	ErrAddrNotAvail Errno = Errno(unix.EADDRNOTAVAIL)
	ErrTimedOut     Errno = Errno(unix.ETIMEDOUT)
	ErrConnReset    Errno = Errno(unix.ECONNRESET)
	ErrConnRefused  Errno = Errno(unix.ECONNREFUSED)
	ErrUnreachable  Errno = Errno(unix.ENETUNREACH)
	ErrBadFD        Errno = Errno(unix.EBADF)
)

// Error returns the strerror text for the code.
func (e Errno) Error() string {
	return e.String()
}

// String returns the C library message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return unix.Errno(e).Error()
}

// Is maps errno values onto the driver sentinels so callers can branch on
// them without knowing which provider produced the error.
func (e Errno) Is(target error) bool {
	switch target {
	case driver.ErrInvalidArgument:
		return e == ErrInvalid
	case driver.ErrBusy:
		return e == ErrBusy
	case driver.ErrQueueFull:
		return e == ErrNoMemory || e == ErrNoSpace
	case driver.ErrNotSupported:
		return e == ErrNotSupp || e == ErrNoSys
	case driver.ErrClosed:
		return e == ErrBadFD
	}
	return false
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a C return code into a Go error. librdmacm returns
// -1 and sets errno while the verbs post and notify calls return the errno
// directly, so both conventions are accepted: a zero or positive status with
// no errno is success.
func ErrorFromStatus(status int, errno error, op string) error {
	if status == 0 {
		return nil
	}
	if status > 0 {
		return Errno(status).WithOp(op)
	}
	var en unix.Errno
	if errors.As(errno, &en) && en != 0 {
		return Errno(en).WithOp(op)
	}
	return Errno(-status).WithOp(op)
}

// MustSucceed panics if the status represents an error. Intended for tests or
// bootstrapping code paths where failure is fatal.
func MustSucceed(status int, errno error, op string) {
	if err := ErrorFromStatus(status, errno, op); err != nil {
		panic(err)
	}
}
