package rdma

import (
	"fmt"
	"net"
	"time"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// ID is a connection-management identifier. It owns at most one queue pair.
type ID struct {
	handle driver.CMID
	ch     *EventChannel
	qp     *QueuePair
}

func (id *ID) valid() bool {
	return id != nil && id.handle != nil
}

// BindAddr binds the identifier to a local address, typically before Listen.
func (id *ID) BindAddr(addr *net.TCPAddr) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	return id.handle.BindAddr(addr)
}

// ResolveAddr starts address resolution. Completion is reported with an
// ADDR_RESOLVED or ADDR_ERROR event.
func (id *ID) ResolveAddr(src, dst *net.TCPAddr, timeout time.Duration) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	return id.handle.ResolveAddr(src, dst, timeout)
}

// ResolveRoute starts route resolution. Completion is reported with a
// ROUTE_RESOLVED or ROUTE_ERROR event.
func (id *ID) ResolveRoute(timeout time.Duration) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	return id.handle.ResolveRoute(timeout)
}

// Listen starts accepting connect requests on the bound address.
func (id *ID) Listen(backlog int) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	return id.handle.Listen(backlog)
}

func checkParam(param *ConnParam) error {
	if param != nil && len(param.PrivateData) > MaxPrivateData {
		return fmt.Errorf("%w: %d bytes", ErrPrivateDataTooLong, len(param.PrivateData))
	}
	return nil
}

// Connect issues a connect request. The queue pair must already exist.
func (id *ID) Connect(param *ConnParam) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	if err := checkParam(param); err != nil {
		return err
	}
	return id.handle.Connect(param)
}

// Accept accepts the connect request this identifier was created for.
func (id *ID) Accept(param *ConnParam) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	if err := checkParam(param); err != nil {
		return err
	}
	return id.handle.Accept(param)
}

// Reject refuses the connect request this identifier was created for.
func (id *ID) Reject(privateData []byte) error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	if len(privateData) > MaxPrivateData {
		return fmt.Errorf("%w: %d bytes", ErrPrivateDataTooLong, len(privateData))
	}
	return id.handle.Reject(privateData)
}

// Disconnect tears down an established connection. Both sides receive a
// DISCONNECTED event.
func (id *ID) Disconnect() error {
	if !id.valid() {
		return ErrInvalidHandle{"cm id"}
	}
	return id.handle.Disconnect()
}

// Device returns the verbs device bound to the identifier.
func (id *ID) Device() (*Device, error) {
	if !id.valid() {
		return nil, ErrInvalidHandle{"cm id"}
	}
	dev, err := id.handle.Device()
	if err != nil {
		return nil, err
	}
	return &Device{handle: dev}, nil
}

// QPAttr configures queue pair creation.
type QPAttr struct {
	SendCQ *CompletionQueue
	RecvCQ *CompletionQueue
	Cap    QPCap
	SigAll bool
}

// CreateQP creates a reliable-connected queue pair on the identifier.
func (id *ID) CreateQP(pd *ProtectionDomain, attr QPAttr) (*QueuePair, error) {
	if !id.valid() {
		return nil, ErrInvalidHandle{"cm id"}
	}
	if pd == nil || pd.handle == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if attr.SendCQ == nil || attr.SendCQ.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	recv := attr.RecvCQ
	if recv == nil {
		recv = attr.SendCQ
	}
	if recv.handle == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	h, err := id.handle.CreateQP(pd.handle, &driver.QPInitAttr{
		SendCQ: attr.SendCQ.handle,
		RecvCQ: recv.handle,
		Cap:    attr.Cap,
		SigAll: attr.SigAll,
	})
	if err != nil {
		return nil, err
	}
	id.qp = &QueuePair{handle: h, id: id, cap: attr.Cap}
	return id.qp, nil
}

// QP returns the queue pair created on the identifier, if any.
func (id *ID) QP() *QueuePair {
	if id == nil {
		return nil
	}
	return id.qp
}

// LocalAddr returns the local address once bound or resolved.
func (id *ID) LocalAddr() net.Addr {
	if !id.valid() {
		return nil
	}
	return id.handle.LocalAddr()
}

// RemoteAddr returns the peer address once resolved or connected.
func (id *ID) RemoteAddr() net.Addr {
	if !id.valid() {
		return nil
	}
	return id.handle.RemoteAddr()
}

// Close destroys the queue pair, if still present, and the identifier.
func (id *ID) Close() error {
	if !id.valid() {
		return nil
	}
	if id.qp != nil {
		if err := id.qp.Close(); err != nil {
			return err
		}
	}
	if err := id.handle.Destroy(); err != nil {
		return err
	}
	if id.ch != nil {
		id.ch.forget(id.handle)
	}
	id.handle = nil
	return nil
}
