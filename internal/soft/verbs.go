package soft

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

const pageSize = 4096

type device struct {
	p    *Provider
	name string
	guid uuid.UUID

	mu      sync.RWMutex
	nextVA  uint64
	nextKey uint32
	byLKey  map[uint32]*mr
	byRKey  map[uint32]*mr
}

func newDevice(p *Provider, name string, guid uuid.UUID, vaBase uint64) *device {
	return &device{
		p:       p,
		name:    name,
		guid:    guid,
		nextVA:  vaBase,
		nextKey: rand.Uint32() | 1,
		byLKey:  make(map[uint32]*mr),
		byRKey:  make(map[uint32]*mr),
	}
}

func (d *device) Name() string { return d.name }

func (d *device) AllocPD() (driver.PD, error) {
	d.p.stats.pds.Add(1)
	return &pd{dev: d}, nil
}

func (d *device) CreateCompChannel() (driver.CompChannel, error) {
	d.p.stats.compChannels.Add(1)
	return &compChannel{p: d.p, signal: make(chan struct{}, 1)}, nil
}

func (d *device) CreateCQ(depth int, channel driver.CompChannel) (driver.CQ, error) {
	if depth <= 0 {
		return nil, driver.ErrInvalidArgument
	}
	var ch *compChannel
	if channel != nil {
		c, ok := channel.(*compChannel)
		if !ok || c.p != d.p {
			return nil, driver.ErrInvalidArgument
		}
		if !c.attach() {
			return nil, driver.ErrClosed
		}
		ch = c
	}
	d.p.stats.cqs.Add(1)
	return &cq{p: d.p, depth: depth, ch: ch}, nil
}

func (d *device) allocKeys() (uint32, uint32) {
	lkey := d.nextKey
	rkey := d.nextKey + 1
	d.nextKey += 2
	if d.nextKey == 0 {
		d.nextKey = 1
	}
	return lkey, rkey
}

func (d *device) register(m *mr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m.addr = d.nextVA
	span := (uint64(len(m.buf)) + pageSize - 1) &^ (pageSize - 1)
	d.nextVA += span + pageSize
	for {
		m.lkey, m.rkey = d.allocKeys()
		_, lUsed := d.byLKey[m.lkey]
		_, rUsed := d.byRKey[m.rkey]
		if !lUsed && !rUsed && m.lkey != 0 && m.rkey != 0 {
			break
		}
	}
	d.byLKey[m.lkey] = m
	d.byRKey[m.rkey] = m
}

func (d *device) unregister(m *mr) {
	d.mu.Lock()
	delete(d.byLKey, m.lkey)
	delete(d.byRKey, m.rkey)
	d.mu.Unlock()
}

func (d *device) lookupLKey(key uint32) *mr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byLKey[key]
}

func (d *device) lookupRKey(key uint32) *mr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byRKey[key]
}

// gather reads the local scatter/gather list into a single payload.
func (d *device) gather(sgl []driver.SGE) ([]byte, driver.WCStatus) {
	out := make([]byte, 0, driver.Length(sgl))
	for _, sge := range sgl {
		m := d.lookupLKey(sge.LKey)
		if m == nil {
			return nil, driver.WCLocalProtErr
		}
		chunk, ok := m.read(sge.Addr, uint64(sge.Length))
		if !ok {
			return nil, driver.WCLocalProtErr
		}
		out = append(out, chunk...)
	}
	return out, driver.WCSuccess
}

// scatter writes data into the local scatter/gather list. The regions must
// grant local write access.
func (d *device) scatter(sgl []driver.SGE, data []byte) (uint32, driver.WCStatus) {
	if uint64(len(data)) > driver.Length(sgl) {
		return 0, driver.WCLocalLenErr
	}
	written := 0
	for _, sge := range sgl {
		if written == len(data) {
			break
		}
		m := d.lookupLKey(sge.LKey)
		if m == nil || !m.access.Has(driver.AccessLocalWrite) {
			return 0, driver.WCLocalProtErr
		}
		n := len(data) - written
		if uint64(n) > uint64(sge.Length) {
			n = int(sge.Length)
		}
		if !m.write(sge.Addr, data[written:written+n]) {
			return 0, driver.WCLocalProtErr
		}
		written += n
	}
	return uint32(written), driver.WCSuccess
}

func (d *device) remoteWrite(rkey uint32, addr uint64, data []byte) driver.WCStatus {
	m := d.lookupRKey(rkey)
	if m == nil || !m.access.Has(driver.AccessRemoteWrite) {
		return driver.WCRemoteAccessErr
	}
	if !m.write(addr, data) {
		return driver.WCRemoteAccessErr
	}
	return driver.WCSuccess
}

func (d *device) remoteRead(rkey uint32, addr uint64, length uint32) ([]byte, driver.WCStatus) {
	m := d.lookupRKey(rkey)
	if m == nil || !m.access.Has(driver.AccessRemoteRead) {
		return nil, driver.WCRemoteAccessErr
	}
	data, ok := m.read(addr, uint64(length))
	if !ok {
		return nil, driver.WCRemoteAccessErr
	}
	return data, driver.WCSuccess
}

type pd struct {
	dev  *device
	refs atomic.Int32
	dead atomic.Bool
}

func (p *pd) RegMR(buf []byte, access driver.Access) (driver.MR, error) {
	if p.dead.Load() {
		return nil, driver.ErrClosed
	}
	if len(buf) == 0 {
		return nil, driver.ErrInvalidArgument
	}
	if access.Has(driver.AccessRemoteWrite) && !access.Has(driver.AccessLocalWrite) {
		return nil, driver.ErrInvalidArgument
	}
	m := &mr{pd: p, access: access, buf: append([]byte(nil), buf...)}
	p.dev.register(m)
	p.refs.Add(1)
	p.dev.p.stats.mrs.Add(1)
	return m, nil
}

func (p *pd) Dealloc() error {
	if p.refs.Load() > 0 {
		return driver.ErrBusy
	}
	if !p.dead.CompareAndSwap(false, true) {
		return nil
	}
	p.dev.p.stats.pds.Add(-1)
	return nil
}

type mr struct {
	pd     *pd
	addr   uint64
	lkey   uint32
	rkey   uint32
	access driver.Access

	mu   sync.RWMutex
	buf  []byte
	dead bool
}

func (m *mr) Addr() uint64          { return m.addr }
func (m *mr) Len() int              { return len(m.buf) }
func (m *mr) LKey() uint32          { return m.lkey }
func (m *mr) RKey() uint32          { return m.rkey }
func (m *mr) Access() driver.Access { return m.access }
func (m *mr) Bytes() []byte         { return m.buf }

func (m *mr) offset(addr, n uint64) (uint64, bool) {
	if addr < m.addr || addr+n < addr {
		return 0, false
	}
	off := addr - m.addr
	if off+n > uint64(len(m.buf)) {
		return 0, false
	}
	return off, true
}

func (m *mr) read(addr, n uint64) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dead {
		return nil, false
	}
	off, ok := m.offset(addr, n)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), m.buf[off:off+n]...), true
}

func (m *mr) write(addr uint64, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return false
	}
	off, ok := m.offset(addr, uint64(len(data)))
	if !ok {
		return false
	}
	copy(m.buf[off:], data)
	return true
}

func (m *mr) Dereg() error {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return nil
	}
	m.dead = true
	m.mu.Unlock()
	m.pd.dev.unregister(m)
	m.pd.refs.Add(-1)
	m.pd.dev.p.stats.mrs.Add(-1)
	return nil
}

type compChannel struct {
	p      *Provider
	mu     sync.Mutex
	queue  []*cq
	cqs    int
	closed bool
	signal chan struct{}
}

func (c *compChannel) attach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.cqs++
	return true
}

func (c *compChannel) detach() {
	c.mu.Lock()
	c.cqs--
	c.mu.Unlock()
}

func (c *compChannel) notify(q *cq) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, q)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *compChannel) GetCQEvent(ctx context.Context) (driver.CQ, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, driver.ErrClosed
		}
		if len(c.queue) > 0 {
			q := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			q.mu.Lock()
			q.unacked++
			q.mu.Unlock()
			return q, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.signal:
		}
	}
}

func (c *compChannel) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.cqs > 0 {
		return driver.ErrBusy
	}
	c.closed = true
	c.queue = nil
	c.p.stats.compChannels.Add(-1)
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

type cq struct {
	p     *Provider
	depth int
	ch    *compChannel

	mu       sync.Mutex
	entries  []driver.WorkCompletion
	armed    bool
	overrun  bool
	unacked  int
	refs     int
	detached bool
}

// push appends a completion and raises a channel event when armed.
func (q *cq) push(wc driver.WorkCompletion) {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return
	}
	if len(q.entries) >= q.depth {
		q.overrun = true
		q.mu.Unlock()
		return
	}
	q.entries = append(q.entries, wc)
	fire := q.armed && q.ch != nil
	if fire {
		q.armed = false
	}
	q.mu.Unlock()
	if fire {
		q.ch.notify(q)
	}
}

func (q *cq) ReqNotify(bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		return driver.ErrClosed
	}
	q.armed = true
	return nil
}

func (q *cq) Poll(wc []driver.WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		return 0, driver.ErrClosed
	}
	if q.overrun {
		return 0, driver.ErrCQOverrun
	}
	n := copy(wc, q.entries)
	q.entries = q.entries[n:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return n, nil
}

func (q *cq) AckEvents(n int) {
	q.mu.Lock()
	q.unacked -= n
	if q.unacked < 0 {
		q.unacked = 0
	}
	q.mu.Unlock()
}

func (q *cq) Depth() int { return q.depth }

func (q *cq) ref() {
	q.mu.Lock()
	q.refs++
	q.mu.Unlock()
}

func (q *cq) unref() {
	q.mu.Lock()
	q.refs--
	q.mu.Unlock()
}

func (q *cq) Destroy() error {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return nil
	}
	if q.refs > 0 || q.unacked > 0 {
		q.mu.Unlock()
		return driver.ErrBusy
	}
	q.detached = true
	q.entries = nil
	q.mu.Unlock()
	if q.ch != nil {
		q.ch.detach()
	}
	q.p.stats.cqs.Add(-1)
	return nil
}
