package rdma

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// Device is an opened verbs device context.
type Device struct {
	handle driver.Device
}

// Name reports the device name.
func (d *Device) Name() string {
	if d == nil || d.handle == nil {
		return ""
	}
	return d.handle.Name()
}

// AllocPD allocates a protection domain.
func (d *Device) AllocPD() (*ProtectionDomain, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	pd, err := d.handle.AllocPD()
	if err != nil {
		return nil, err
	}
	return &ProtectionDomain{handle: pd}, nil
}

// CreateCompletionChannel creates a channel for completion notifications.
func (d *Device) CreateCompletionChannel() (*CompletionChannel, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	ch, err := d.handle.CreateCompChannel()
	if err != nil {
		return nil, err
	}
	return &CompletionChannel{handle: ch, cqs: make(map[driver.CQ]*CompletionQueue)}, nil
}

// CreateCompletionQueue creates a completion queue with room for depth
// entries. When ch is non-nil, armed notifications are delivered on it.
func (d *Device) CreateCompletionQueue(depth int, ch *CompletionChannel) (*CompletionQueue, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	var chHandle driver.CompChannel
	if ch != nil {
		if ch.handle == nil {
			return nil, ErrInvalidHandle{"completion channel"}
		}
		chHandle = ch.handle
	}
	h, err := d.handle.CreateCQ(depth, chHandle)
	if err != nil {
		return nil, err
	}
	cq := &CompletionQueue{handle: h, ch: ch}
	if ch != nil {
		ch.add(cq)
	}
	return cq, nil
}

// ProtectionDomain scopes memory regions and queue pairs.
type ProtectionDomain struct {
	handle driver.PD
}

// RegisterMemory registers a buffer seeded with the contents of buf. The
// registered memory is owned by the region; use MemoryRegion.Bytes to read
// or modify it.
func (p *ProtectionDomain) RegisterMemory(buf []byte, access Access) (*MemoryRegion, error) {
	if p == nil || p.handle == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("rdma: memory registration requires non-empty buffer")
	}
	if access == 0 {
		access = AccessLocalWrite
	}
	mr, err := p.handle.RegMR(buf, access)
	if err != nil {
		return nil, err
	}
	return &MemoryRegion{handle: mr, access: access}, nil
}

// Close deallocates the protection domain.
func (p *ProtectionDomain) Close() error {
	if p == nil || p.handle == nil {
		return nil
	}
	if err := p.handle.Dealloc(); err != nil {
		return err
	}
	p.handle = nil
	return nil
}

// MemoryRegion is a registered buffer.
type MemoryRegion struct {
	handle driver.MR
	access Access
}

// Bytes returns a view of the registered memory.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil || m.handle == nil {
		return nil
	}
	return m.handle.Bytes()
}

// Addr returns the address the adapter uses for the first byte.
func (m *MemoryRegion) Addr() uint64 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Addr()
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Len()
}

// LKey returns the local key.
func (m *MemoryRegion) LKey() uint32 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.LKey()
}

// RKey returns the remote key.
func (m *MemoryRegion) RKey() uint32 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.RKey()
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() Access {
	if m == nil {
		return 0
	}
	return m.access
}

// Descriptor returns the descriptor peers use to address this region.
func (m *MemoryRegion) Descriptor() RemoteDescriptor {
	return RemoteDescriptor{Addr: m.Addr(), RKey: m.RKey()}
}

// SGE returns a scatter/gather element covering length bytes at offset.
func (m *MemoryRegion) SGE(offset, length int) (SGE, error) {
	if m == nil || m.handle == nil {
		return SGE{}, ErrInvalidHandle{"memory region"}
	}
	if offset < 0 || length <= 0 || offset+length > m.handle.Len() {
		return SGE{}, fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, offset, offset+length, m.handle.Len())
	}
	return SGE{Addr: m.handle.Addr() + uint64(offset), Length: uint32(length), LKey: m.handle.LKey()}, nil
}

// Close deregisters the region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	if err := m.handle.Dereg(); err != nil {
		return err
	}
	m.handle = nil
	m.access = 0
	return nil
}

func ensureRegionAccess(region *MemoryRegion, required Access) error {
	if region == nil {
		return nil
	}
	if region.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	if required == 0 {
		return nil
	}
	if region.access&required != required {
		return fmt.Errorf("%w (required %s, have %s)", ErrInsufficientAccess, required, region.access)
	}
	return nil
}

// CompletionChannel delivers completion queue notifications.
type CompletionChannel struct {
	handle driver.CompChannel

	mu  sync.Mutex
	cqs map[driver.CQ]*CompletionQueue
}

func (c *CompletionChannel) add(cq *CompletionQueue) {
	c.mu.Lock()
	c.cqs[cq.handle] = cq
	c.mu.Unlock()
}

func (c *CompletionChannel) remove(h driver.CQ) {
	c.mu.Lock()
	delete(c.cqs, h)
	c.mu.Unlock()
}

// Wait blocks until an armed completion queue on the channel receives a
// completion or ctx is done. The returned queue holds one unacknowledged
// notification; call Ack on it before destroying it.
func (c *CompletionChannel) Wait(ctx context.Context) (*CompletionQueue, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"completion channel"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := c.handle.GetCQEvent(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	cq, ok := c.cqs[h]
	c.mu.Unlock()
	if !ok {
		h.AckEvents(1)
		return nil, ErrInvalidHandle{"completion queue"}
	}
	return cq, nil
}

// Close destroys the channel. Its completion queues must be closed first.
func (c *CompletionChannel) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	if err := c.handle.Destroy(); err != nil {
		return err
	}
	c.handle = nil
	return nil
}

// CompletionQueue collects work completions.
type CompletionQueue struct {
	handle driver.CQ
	ch     *CompletionChannel
}

// RequestNotify arms the queue so the next completion raises a channel
// notification.
func (q *CompletionQueue) RequestNotify() error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	return q.handle.ReqNotify(false)
}

// Poll reads up to len(wc) completions without blocking.
func (q *CompletionQueue) Poll(wc []WorkCompletion) (int, error) {
	if q == nil || q.handle == nil {
		return 0, ErrInvalidHandle{"completion queue"}
	}
	return q.handle.Poll(wc)
}

// PollOne reads a single completion. ok is false when the queue is empty.
func (q *CompletionQueue) PollOne() (wc WorkCompletion, ok bool, err error) {
	var buf [1]WorkCompletion
	n, err := q.Poll(buf[:])
	if err != nil || n == 0 {
		return WorkCompletion{}, false, err
	}
	return buf[0], true, nil
}

// Ack acknowledges n notifications obtained from CompletionChannel.Wait.
func (q *CompletionQueue) Ack(n int) {
	if q == nil || q.handle == nil {
		return
	}
	q.handle.AckEvents(n)
}

// Depth reports the number of entries the queue can hold.
func (q *CompletionQueue) Depth() int {
	if q == nil || q.handle == nil {
		return 0
	}
	return q.handle.Depth()
}

// Close destroys the queue.
func (q *CompletionQueue) Close() error {
	if q == nil || q.handle == nil {
		return nil
	}
	if err := q.handle.Destroy(); err != nil {
		return err
	}
	if q.ch != nil {
		q.ch.remove(q.handle)
	}
	q.handle = nil
	return nil
}

// QueuePair is a reliable-connected queue pair.
type QueuePair struct {
	handle driver.QP
	id     *ID
	cap    QPCap
}

// Num reports the queue pair number.
func (q *QueuePair) Num() uint32 {
	if q == nil || q.handle == nil {
		return 0
	}
	return q.handle.Num()
}

// Cap reports the capacities the queue pair was created with.
func (q *QueuePair) Cap() QPCap {
	if q == nil {
		return QPCap{}
	}
	return q.cap
}

// PostSend posts a send-queue work request.
func (q *QueuePair) PostSend(req *SendRequest) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.PostSend(req)
}

// PostRecv posts a receive-queue work request.
func (q *QueuePair) PostRecv(req *RecvRequest) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.PostRecv(req)
}

// RegionRequest names a slice of a registered region for the typed post
// helpers.
type RegionRequest struct {
	ID     uint64
	Region *MemoryRegion
	Offset int
	Length int
	Flags  SendFlag
}

func (r *RegionRequest) sge() (SGE, error) {
	if r == nil {
		return SGE{}, fmt.Errorf("rdma: nil request")
	}
	return r.Region.SGE(r.Offset, r.Length)
}

// PostWrite RDMA-writes the request slice to remote.
func (q *QueuePair) PostWrite(req *RegionRequest, remote RemoteDescriptor) error {
	sge, err := req.sge()
	if err != nil {
		return err
	}
	return q.PostSend(&SendRequest{ID: req.ID, Opcode: OpRDMAWrite, Flags: req.Flags, SGL: []SGE{sge}, RemoteAddr: remote.Addr, RKey: remote.RKey})
}

// PostRead RDMA-reads from remote into the request slice, which must allow
// local writes.
func (q *QueuePair) PostRead(req *RegionRequest, remote RemoteDescriptor) error {
	sge, err := req.sge()
	if err != nil {
		return err
	}
	if err := ensureRegionAccess(req.Region, AccessLocalWrite); err != nil {
		return err
	}
	return q.PostSend(&SendRequest{ID: req.ID, Opcode: OpRDMARead, Flags: req.Flags, SGL: []SGE{sge}, RemoteAddr: remote.Addr, RKey: remote.RKey})
}

// PostSendRegion sends the request slice to the peer's next posted receive.
func (q *QueuePair) PostSendRegion(req *RegionRequest) error {
	sge, err := req.sge()
	if err != nil {
		return err
	}
	return q.PostSend(&SendRequest{ID: req.ID, Opcode: OpSend, Flags: req.Flags, SGL: []SGE{sge}})
}

// PostRecvRegion posts a receive into the request slice, which must allow
// local writes.
func (q *QueuePair) PostRecvRegion(req *RegionRequest) error {
	sge, err := req.sge()
	if err != nil {
		return err
	}
	if err := ensureRegionAccess(req.Region, AccessLocalWrite); err != nil {
		return err
	}
	return q.PostRecv(&RecvRequest{ID: req.ID, SGL: []SGE{sge}})
}

// Close destroys the queue pair.
func (q *QueuePair) Close() error {
	if q == nil || q.handle == nil {
		return nil
	}
	if !q.id.valid() {
		q.handle = nil
		return nil
	}
	if err := q.id.handle.DestroyQP(); err != nil {
		return err
	}
	q.handle = nil
	if q.id.qp == q {
		q.id.qp = nil
	}
	return nil
}
