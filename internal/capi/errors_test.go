//go:build unix

package capi

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

func TestErrorFromStatus(t *testing.T) {
	if err := ErrorFromStatus(0, nil, "noop"); err != nil {
		t.Fatalf("expected nil error for success status, got %v", err)
	}

	err := ErrorFromStatus(-1, unix.EAGAIN, "rdma_get_cm_event")
	if err == nil {
		t.Fatalf("expected error for EAGAIN status")
	}
	if !errors.Is(err, ErrAgain) {
		t.Fatalf("expected errors.Is match ErrAgain, got %v", err)
	}
	if !strings.Contains(err.Error(), "rdma_get_cm_event") {
		t.Fatalf("expected operation context in error string, got %q", err)
	}

	err = ErrorFromStatus(int(unix.ENOMEM), nil, "ibv_post_send")
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got %v", err)
	}
	if !errors.Is(err, driver.ErrQueueFull) {
		t.Fatalf("expected ENOMEM on post to read as a full queue, got %v", err)
	}
}

func TestErrnoDriverMapping(t *testing.T) {
	cases := []struct {
		code   Errno
		target error
	}{
		{ErrInvalid, driver.ErrInvalidArgument},
		{ErrBusy, driver.ErrBusy},
		{ErrNoSys, driver.ErrNotSupported},
		{ErrBadFD, driver.ErrClosed},
	}
	for _, tc := range cases {
		if !errors.Is(tc.code.WithOp("op"), tc.target) {
			t.Fatalf("expected %v to match %v", tc.code, tc.target)
		}
	}
	if errors.Is(ErrTimedOut, driver.ErrBusy) {
		t.Fatalf("ETIMEDOUT must not match ErrBusy")
	}
}

func TestErrnoString(t *testing.T) {
	msg := ErrAgain.String()
	if msg == "" || strings.EqualFold(msg, "unknown") {
		t.Fatalf("unexpected strerror message: %q", msg)
	}
	if Success.String() != "success" {
		t.Fatalf("unexpected success string %q", Success.String())
	}
}
