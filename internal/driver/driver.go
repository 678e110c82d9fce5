// Package driver defines the provider interface implemented by the RDMA
// backends (the librdmacm/libibverbs binding and the software provider).
//
// The interfaces mirror the rdma_cm and verbs object model one to one: an
// event channel owns connection identifiers, an identifier yields a device
// context once its address is resolved, and all data-path objects hang off
// that device. Backends are not required to be safe for concurrent use of a
// single object unless noted.
package driver

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNotSupported is returned by backends that are not compiled in.
	ErrNotSupported = errors.New("rdma driver: provider not supported in this build")
	// ErrClosed is returned when an object is used after it was destroyed.
	ErrClosed = errors.New("rdma driver: object closed")
	// ErrBusy is returned when destroying an object that still has dependants.
	ErrBusy = errors.New("rdma driver: resource busy")
	// ErrQueueFull is returned when a work request would exceed the queue capacity.
	ErrQueueFull = errors.New("rdma driver: work queue full")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("rdma driver: invalid argument")
	// ErrCQOverrun is returned when a completion queue overflowed.
	ErrCQOverrun = errors.New("rdma driver: completion queue overrun")
)

// Provider creates event channels for one backend.
type Provider interface {
	Name() string
	CreateEventChannel() (EventChannel, error)
}

// EventChannel delivers connection-management events for the identifiers
// created on it.
type EventChannel interface {
	CreateID() (CMID, error)
	// GetEvent blocks until an event is available or ctx is done.
	GetEvent(ctx context.Context) (Event, error)
	Close() error
}

// Event is a single connection-management occurrence. Ack must be called
// exactly once.
type Event interface {
	Type() EventType
	ID() CMID
	ListenID() CMID
	Status() int
	PrivateData() []byte
	Ack() error
}

// CMID is an rdma_cm connection identifier.
type CMID interface {
	BindAddr(addr *net.TCPAddr) error
	ResolveAddr(src, dst *net.TCPAddr, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	Listen(backlog int) error
	Connect(param *ConnParam) error
	Accept(param *ConnParam) error
	Reject(privateData []byte) error
	Disconnect() error

	// Device returns the verbs context bound to the identifier. It is
	// available after address resolution or on a connect-request identifier.
	Device() (Device, error)
	CreateQP(pd PD, attr *QPInitAttr) (QP, error)
	DestroyQP() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Destroy() error
}

// Device is an opened verbs device context.
type Device interface {
	Name() string
	AllocPD() (PD, error)
	CreateCompChannel() (CompChannel, error)
	CreateCQ(depth int, channel CompChannel) (CQ, error)
}

// PD is a protection domain.
type PD interface {
	// RegMR copies buf into provider owned memory and registers it.
	RegMR(buf []byte, access Access) (MR, error)
	Dealloc() error
}

// MR is a registered memory region.
type MR interface {
	Addr() uint64
	Len() int
	LKey() uint32
	RKey() uint32
	Access() Access
	// Bytes is a view of the registered memory.
	Bytes() []byte
	Dereg() error
}

// CompChannel is a completion event channel.
type CompChannel interface {
	// GetCQEvent blocks until a CQ bound to the channel raises a completion
	// event or ctx is done.
	GetCQEvent(ctx context.Context) (CQ, error)
	Destroy() error
}

// CQ is a completion queue.
type CQ interface {
	// ReqNotify arms the queue so the next completion raises one event.
	ReqNotify(solicitedOnly bool) error
	// Poll copies up to len(wc) completions into wc.
	Poll(wc []WorkCompletion) (int, error)
	AckEvents(n int)
	Depth() int
	Destroy() error
}

// QP is a reliable-connected queue pair.
type QP interface {
	Num() uint32
	PostSend(wr *SendWR) error
	PostRecv(wr *RecvWR) error
}
