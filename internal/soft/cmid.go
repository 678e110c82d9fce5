package soft

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// Status codes reported on failure events, matching what rdma_cm reports.
const (
	statusConnRefused      = -111
	statusTimedOut         = -110
	statusConsumerRejected = 28
)

type cmState int

const (
	cmIdle cmState = iota
	cmBound
	cmAddrResolved
	cmRouteResolved
	cmListening
	cmConnectRequest
	cmConnecting
	cmEstablished
	cmDisconnected
	cmDestroyed
)

var _ driver.CMID = (*cmID)(nil)

type cmID struct {
	p       *Provider
	ch      *eventChannel
	unacked atomic.Int32

	mu          sync.Mutex
	state       cmState
	local       *net.TCPAddr
	remote      *net.TCPAddr
	ln          net.Listener
	fabricBound bool
	backlog     int
	pending     int
	parent      *cmID
	lnk         *link
	q           *qp
	peerQPN     uint32
	readerDone  chan struct{}
	destroying  bool
	bg          sync.WaitGroup
}

func newCMID(p *Provider, ch *eventChannel) *cmID {
	p.stats.ids.Add(1)
	return &cmID{p: p, ch: ch}
}

func cloneAddr(a *net.TCPAddr) *net.TCPAddr {
	if a == nil {
		return nil
	}
	c := *a
	c.IP = append(net.IP(nil), a.IP...)
	return &c
}

func (id *cmID) BindAddr(addr *net.TCPAddr) error {
	if addr == nil {
		return driver.ErrInvalidArgument
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.state != cmIdle {
		return driver.ErrInvalidArgument
	}
	id.local = cloneAddr(addr)
	id.state = cmBound
	return nil
}

func (id *cmID) ResolveAddr(src, dst *net.TCPAddr, _ time.Duration) error {
	if dst == nil || dst.IP == nil || dst.IP.IsUnspecified() {
		return driver.ErrInvalidArgument
	}
	id.mu.Lock()
	if id.state != cmIdle && id.state != cmBound {
		id.mu.Unlock()
		return driver.ErrInvalidArgument
	}
	if src != nil {
		id.local = cloneAddr(src)
	}
	id.remote = cloneAddr(dst)
	id.state = cmAddrResolved
	id.mu.Unlock()

	id.ch.post(&event{typ: driver.EventAddrResolved, id: id})
	return nil
}

func (id *cmID) ResolveRoute(_ time.Duration) error {
	id.mu.Lock()
	if id.state != cmAddrResolved {
		id.mu.Unlock()
		return driver.ErrInvalidArgument
	}
	id.state = cmRouteResolved
	id.mu.Unlock()

	id.ch.post(&event{typ: driver.EventRouteResolved, id: id})
	return nil
}

func (id *cmID) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = 1
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.state != cmBound {
		return driver.ErrInvalidArgument
	}

	fabric := id.p.opts.Fabric
	var (
		ln  net.Listener
		err error
	)
	if fabric != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		if err := fabric.bind(id.local, ln.Addr().String()); err != nil {
			_ = ln.Close()
			return err
		}
		id.fabricBound = true
	} else {
		ln, err = net.Listen("tcp", id.local.String())
		if err != nil {
			return err
		}
		if id.local.Port == 0 {
			if actual, ok := ln.Addr().(*net.TCPAddr); ok {
				id.local.Port = actual.Port
			}
		}
	}

	id.ln = ln
	id.backlog = backlog
	id.state = cmListening
	id.bg.Add(1)
	go id.acceptLoop(ln)
	return nil
}

func (id *cmID) acceptLoop(ln net.Listener) {
	defer id.bg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		id.bg.Add(1)
		go id.handshake(nc)
	}
}

// handshake reads the peer's connect frame and surfaces it as a
// CONNECT_REQUEST event on a fresh child identifier.
func (id *cmID) handshake(nc net.Conn) {
	defer id.bg.Done()
	l := newLink(nc)
	_ = nc.SetReadDeadline(time.Now().Add(id.p.opts.DialTimeout))
	f, err := l.readFrame()
	if err != nil || f.typ != frameConnect {
		_ = l.close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	id.mu.Lock()
	defer id.mu.Unlock()
	if id.state != cmListening || id.pending >= id.backlog {
		_ = l.writeFrame(&frame{typ: frameReject})
		_ = l.close()
		return
	}

	child := newCMID(id.p, id.ch)
	child.parent = id
	child.lnk = l
	child.state = cmConnectRequest
	child.local = cloneAddr(id.local)
	if ra, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		child.remote = ra
	}
	child.peerQPN = f.qpn
	if !id.ch.adopt(child) {
		id.p.stats.ids.Add(-1)
		_ = l.close()
		return
	}
	id.pending++
	id.ch.post(&event{typ: driver.EventConnectRequest, id: child, listen: id, pdata: f.payload})
}

func (id *cmID) Connect(param *driver.ConnParam) error {
	var pdata []byte
	if param != nil {
		if len(param.PrivateData) > driver.MaxPrivateData {
			return driver.ErrInvalidArgument
		}
		pdata = append([]byte(nil), param.PrivateData...)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.state != cmRouteResolved || id.q == nil {
		return driver.ErrInvalidArgument
	}
	id.state = cmConnecting
	id.bg.Add(1)
	go id.connect(cloneAddr(id.local), cloneAddr(id.remote), id.q.num, pdata)
	return nil
}

func (id *cmID) connect(local, remote *net.TCPAddr, qpn uint32, pdata []byte) {
	defer id.bg.Done()

	target := remote.String()
	if fabric := id.p.opts.Fabric; fabric != nil {
		actual, ok := fabric.lookup(remote)
		if !ok {
			id.connectFailed(driver.EventUnreachable, statusConnRefused, nil)
			return
		}
		target = actual
	}
	d := net.Dialer{Timeout: id.p.opts.DialTimeout}
	if id.p.opts.Fabric == nil && local != nil && local.IP != nil && !local.IP.IsUnspecified() {
		d.LocalAddr = &net.TCPAddr{IP: local.IP}
	}
	nc, err := d.Dial("tcp", target)
	if err != nil {
		status := statusConnRefused
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			status = statusTimedOut
		}
		id.connectFailed(driver.EventUnreachable, status, nil)
		return
	}

	l := newLink(nc)
	id.mu.Lock()
	if id.destroying {
		id.mu.Unlock()
		_ = l.close()
		return
	}
	id.lnk = l
	id.mu.Unlock()

	if err := l.writeFrame(&frame{typ: frameConnect, qpn: qpn, payload: pdata}); err != nil {
		_ = l.close()
		id.connectFailed(driver.EventConnectError, statusConnRefused, nil)
		return
	}
	f, err := l.readFrame()
	if err != nil {
		_ = l.close()
		id.connectFailed(driver.EventConnectError, statusConnRefused, nil)
		return
	}

	switch f.typ {
	case frameAccept:
		id.mu.Lock()
		if id.destroying {
			id.mu.Unlock()
			_ = l.close()
			return
		}
		id.peerQPN = f.qpn
		id.state = cmEstablished
		id.readerDone = make(chan struct{})
		q := id.q
		id.mu.Unlock()

		if q != nil {
			q.attach(l)
		}
		_ = l.writeFrame(&frame{typ: frameRTU, qpn: qpn})
		id.ch.post(&event{typ: driver.EventEstablished, id: id, pdata: f.payload})
		id.readLoop(l)
	case frameReject:
		_ = l.close()
		id.connectFailed(driver.EventRejected, statusConsumerRejected, f.payload)
	default:
		_ = l.close()
		id.connectFailed(driver.EventConnectError, statusConnRefused, nil)
	}
}

func (id *cmID) connectFailed(typ driver.EventType, status int, pdata []byte) {
	id.mu.Lock()
	if id.destroying {
		id.mu.Unlock()
		return
	}
	id.state = cmRouteResolved
	id.lnk = nil
	id.mu.Unlock()
	id.ch.post(&event{typ: typ, id: id, status: status, pdata: pdata})
}

func (id *cmID) Accept(param *driver.ConnParam) error {
	var pdata []byte
	if param != nil {
		if len(param.PrivateData) > driver.MaxPrivateData {
			return driver.ErrInvalidArgument
		}
		pdata = append([]byte(nil), param.PrivateData...)
	}
	id.mu.Lock()
	if id.state != cmConnectRequest || id.q == nil {
		id.mu.Unlock()
		return driver.ErrInvalidArgument
	}
	l := id.lnk
	if err := l.writeFrame(&frame{typ: frameAccept, qpn: id.q.num, payload: pdata}); err != nil {
		id.mu.Unlock()
		return err
	}
	id.state = cmConnecting
	id.readerDone = make(chan struct{})
	id.bg.Add(1)
	parent := id.parent
	id.mu.Unlock()

	parent.releasePending()
	go func() {
		defer id.bg.Done()
		id.readLoop(l)
	}()
	return nil
}

func (id *cmID) Reject(privateData []byte) error {
	if len(privateData) > driver.MaxPrivateData {
		return driver.ErrInvalidArgument
	}
	id.mu.Lock()
	if id.state != cmConnectRequest {
		id.mu.Unlock()
		return driver.ErrInvalidArgument
	}
	l := id.lnk
	id.state = cmDisconnected
	parent := id.parent
	id.mu.Unlock()

	parent.releasePending()
	err := l.writeFrame(&frame{typ: frameReject, payload: privateData})
	_ = l.close()
	return err
}

func (id *cmID) releasePending() {
	if id == nil {
		return
	}
	id.mu.Lock()
	if id.pending > 0 {
		id.pending--
	}
	id.mu.Unlock()
}

func (id *cmID) currentQP() *qp {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.q
}

func (id *cmID) readLoop(l *link) {
	defer id.readerExit(l)
	for {
		f, err := l.readFrame()
		if err != nil {
			return
		}
		switch f.typ {
		case frameRTU:
			id.mu.Lock()
			if id.state != cmConnecting {
				id.mu.Unlock()
				continue
			}
			id.state = cmEstablished
			q := id.q
			id.mu.Unlock()
			if q != nil {
				q.attach(l)
			}
			id.ch.post(&event{typ: driver.EventEstablished, id: id})
		case frameDisconnect:
			return
		case frameSend, frameWrite, frameReadReq:
			if q := id.currentQP(); q != nil {
				q.enqueueRequest(f)
			}
		case frameAck, frameReadResp:
			if q := id.currentQP(); q != nil {
				q.handleResponse(f)
			}
		default:
			return
		}
	}
}

func (id *cmID) readerExit(l *link) {
	id.mu.Lock()
	q := id.q
	prev := id.state
	destroying := id.destroying
	if prev == cmEstablished || prev == cmConnecting {
		id.state = cmDisconnected
	}
	done := id.readerDone
	id.mu.Unlock()

	if q != nil {
		q.detach()
	}
	_ = l.close()
	if !destroying {
		switch prev {
		case cmEstablished:
			id.ch.post(&event{typ: driver.EventDisconnected, id: id})
		case cmConnecting:
			id.ch.post(&event{typ: driver.EventConnectError, id: id, status: statusConnRefused})
		}
	}
	if done != nil {
		close(done)
	}
}

func (id *cmID) Disconnect() error {
	id.mu.Lock()
	switch id.state {
	case cmEstablished, cmConnecting:
	case cmDisconnected:
		id.mu.Unlock()
		return nil
	default:
		id.mu.Unlock()
		return driver.ErrInvalidArgument
	}
	l := id.lnk
	done := id.readerDone
	q := id.q
	id.mu.Unlock()

	if l == nil || done == nil {
		return driver.ErrInvalidArgument
	}
	if q != nil {
		q.quiesce()
	}
	_ = l.writeFrame(&frame{typ: frameDisconnect})
	_ = l.close()
	<-done
	return nil
}

func (id *cmID) Device() (driver.Device, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	switch id.state {
	case cmIdle, cmDestroyed:
		return nil, driver.ErrInvalidArgument
	}
	return id.p.dev, nil
}

func (id *cmID) CreateQP(pdIface driver.PD, attr *driver.QPInitAttr) (driver.QP, error) {
	if attr == nil {
		return nil, driver.ErrInvalidArgument
	}
	pdv, ok := pdIface.(*pd)
	if !ok || pdv.dev != id.p.dev || pdv.dead.Load() {
		return nil, driver.ErrInvalidArgument
	}
	sendCQ, ok := attr.SendCQ.(*cq)
	if !ok || sendCQ.p != id.p {
		return nil, driver.ErrInvalidArgument
	}
	recvCQ, ok := attr.RecvCQ.(*cq)
	if !ok || recvCQ.p != id.p {
		return nil, driver.ErrInvalidArgument
	}
	c := attr.Cap
	if c.MaxSendWR == 0 || c.MaxRecvWR == 0 || c.MaxSendSGE == 0 || c.MaxRecvSGE == 0 {
		return nil, driver.ErrInvalidArgument
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	switch id.state {
	case cmIdle, cmListening, cmDestroyed, cmDisconnected:
		return nil, driver.ErrInvalidArgument
	}
	if id.q != nil {
		return nil, driver.ErrBusy
	}
	id.q = newQP(id.p, id.p.nextQPN.Add(1), pdv, sendCQ, recvCQ, attr)
	return id.q, nil
}

func (id *cmID) DestroyQP() error {
	id.mu.Lock()
	q := id.q
	id.q = nil
	id.mu.Unlock()
	if q == nil {
		return nil
	}
	q.destroy()
	return nil
}

func (id *cmID) LocalAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.local == nil {
		return nil
	}
	return cloneAddr(id.local)
}

func (id *cmID) RemoteAddr() net.Addr {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.remote == nil {
		return nil
	}
	return cloneAddr(id.remote)
}

func (id *cmID) Destroy() error {
	id.mu.Lock()
	if id.state == cmDestroyed {
		id.mu.Unlock()
		return nil
	}
	if id.q != nil || id.unacked.Load() > 0 {
		id.mu.Unlock()
		return driver.ErrBusy
	}
	id.destroying = true
	wasRequest := id.state == cmConnectRequest
	id.state = cmDestroyed
	l := id.lnk
	ln := id.ln
	parent := id.parent
	local := id.local
	fabricBound := id.fabricBound
	id.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		if fabricBound {
			id.p.opts.Fabric.unbind(local)
		}
	}
	if l != nil {
		_ = l.close()
	}
	id.bg.Wait()
	if wasRequest {
		parent.releasePending()
	}
	id.ch.forget(id)
	id.p.stats.ids.Add(-1)
	return nil
}
