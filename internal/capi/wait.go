//go:build unix

package capi

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a single poll(2) blocks so cancellation of the
// caller's context is observed promptly.
const pollInterval = 100 * time.Millisecond

// SetNonblock switches a channel file descriptor to non-blocking mode so
// rdma_get_cm_event and ibv_get_cq_event return EAGAIN instead of blocking.
func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return ErrorFromStatus(-1, err, "fcntl(O_NONBLOCK)")
	}
	return nil
}

// WaitReadable blocks until fd is readable or ctx is done.
func WaitReadable(ctx context.Context, fd int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if timeout < time.Millisecond {
			timeout = time.Millisecond
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ErrorFromStatus(-1, err, "poll")
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return ErrBadFD.WithOp("poll")
			}
			return nil
		}
	}
}

// retryAgain runs fn until it stops reporting EAGAIN, waiting for fd to become
// readable between attempts.
func retryAgain(ctx context.Context, fd int, fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, ErrAgain) {
			return err
		}
		if err := WaitReadable(ctx, fd); err != nil {
			return err
		}
	}
}
