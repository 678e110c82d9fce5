package soft

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

type qpState int

const (
	qpInit qpState = iota
	qpReady
	qpError
	qpDestroyed
)

type pendingSend struct {
	wr       driver.SendWR
	signaled bool
}

// qp emulates an RC queue pair. A sender goroutine transmits posted send
// requests in order and a responder goroutine executes inbound requests in
// arrival order, so responses come back in the order requests were issued.
type qp struct {
	num     uint32
	p       *Provider
	pd      *pd
	dev     *device
	sendCQ  *cq
	recvCQ  *cq
	cap     driver.QPCap
	sigAll  bool
	lnk     *link
	started bool

	mu       sync.Mutex
	cond     *sync.Cond
	state    qpState
	sendq    []*pendingSend
	inflight []*pendingSend
	recvq    []driver.RecvWR
	draining bool
	seq      uint32

	// responding is set while an inbound request executes; awaitingRecv
	// while that request is an inbound send stalled on an empty receive
	// queue.
	responding   bool
	awaitingRecv bool

	requests      chan *frame
	closeReqOnce  sync.Once
	quit          chan struct{}
	quitOnce      sync.Once
	responderDone chan struct{}
	group         errgroup.Group
}

func newQP(p *Provider, num uint32, pd *pd, sendCQ, recvCQ *cq, attr *driver.QPInitAttr) *qp {
	q := &qp{
		num:           num,
		p:             p,
		pd:            pd,
		dev:           pd.dev,
		sendCQ:        sendCQ,
		recvCQ:        recvCQ,
		cap:           attr.Cap,
		sigAll:        attr.SigAll,
		requests:      make(chan *frame, 64),
		quit:          make(chan struct{}),
		responderDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	sendCQ.ref()
	recvCQ.ref()
	pd.refs.Add(1)
	p.stats.qps.Add(1)
	return q
}

func (q *qp) Num() uint32 { return q.num }

func (q *qp) PostSend(wr *driver.SendWR) error {
	if wr == nil || len(wr.SGL) == 0 || uint32(len(wr.SGL)) > q.cap.MaxSendSGE {
		return driver.ErrInvalidArgument
	}
	switch wr.Opcode {
	case driver.OpSend, driver.OpRDMAWrite, driver.OpRDMARead:
	default:
		return driver.ErrInvalidArgument
	}

	ps := &pendingSend{wr: *wr, signaled: q.sigAll || wr.Flags&driver.SendSignaled != 0}
	ps.wr.SGL = append([]driver.SGE(nil), wr.SGL...)

	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case qpInit:
		return driver.ErrInvalidArgument
	case qpDestroyed:
		return driver.ErrClosed
	case qpError:
		q.completeSendLocked(ps, driver.WCWRFlushErr, 0)
		return nil
	}
	if uint32(len(q.sendq)+len(q.inflight)) >= q.cap.MaxSendWR {
		return driver.ErrQueueFull
	}
	q.sendq = append(q.sendq, ps)
	q.cond.Broadcast()
	return nil
}

func (q *qp) PostRecv(wr *driver.RecvWR) error {
	if wr == nil || len(wr.SGL) == 0 || uint32(len(wr.SGL)) > q.cap.MaxRecvSGE {
		return driver.ErrInvalidArgument
	}
	rwr := driver.RecvWR{ID: wr.ID, SGL: append([]driver.SGE(nil), wr.SGL...)}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case qpDestroyed:
		return driver.ErrClosed
	case qpError:
		q.recvCQ.push(driver.WorkCompletion{ID: rwr.ID, Status: driver.WCWRFlushErr, Opcode: driver.WCOpRecv, QPNum: q.num})
		return nil
	}
	if uint32(len(q.recvq)) >= q.cap.MaxRecvWR {
		return driver.ErrQueueFull
	}
	q.recvq = append(q.recvq, rwr)
	q.cond.Broadcast()
	return nil
}

// attach moves the queue pair to ready-to-send over lnk.
func (q *qp) attach(lnk *link) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != qpInit {
		return
	}
	q.lnk = lnk
	q.state = qpReady
	q.started = true
	q.group.Go(q.sendLoop)
	q.group.Go(q.respondLoop)
}

func (q *qp) sendLoop() error {
	for {
		q.mu.Lock()
		for q.state == qpReady && !q.canTransmitLocked() {
			q.cond.Wait()
		}
		if q.state != qpReady {
			q.mu.Unlock()
			return nil
		}
		ps := q.sendq[0]
		q.sendq[0] = nil
		q.sendq = q.sendq[1:]

		f := &frame{qpn: q.num, addr: ps.wr.RemoteAddr, rkey: ps.wr.RKey}
		switch ps.wr.Opcode {
		case driver.OpRDMARead:
			f.typ = frameReadReq
			f.length = uint32(driver.Length(ps.wr.SGL))
		default:
			payload, status := q.dev.gather(ps.wr.SGL)
			if status != driver.WCSuccess {
				q.completeSendLocked(ps, status, 0)
				q.toErrorLocked()
				q.mu.Unlock()
				continue
			}
			f.typ = frameWrite
			if ps.wr.Opcode == driver.OpSend {
				f.typ = frameSend
			}
			f.payload = payload
			f.length = uint32(len(payload))
		}
		q.seq++
		f.seq = q.seq
		q.inflight = append(q.inflight, ps)
		lnk := q.lnk
		q.mu.Unlock()

		if err := lnk.writeFrame(f); err != nil {
			q.mu.Lock()
			q.toErrorLocked()
			q.mu.Unlock()
			return nil
		}
	}
}

// canTransmitLocked reports whether the head of the send queue may go out.
// A fenced request waits until every earlier request has been answered.
func (q *qp) canTransmitLocked() bool {
	if len(q.sendq) == 0 {
		return false
	}
	if q.sendq[0].wr.Flags&driver.SendFence != 0 && len(q.inflight) > 0 {
		return false
	}
	return true
}

func (q *qp) handleResponse(f *frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != qpReady || len(q.inflight) == 0 {
		return
	}
	ps := q.inflight[0]
	q.inflight[0] = nil
	q.inflight = q.inflight[1:]

	status := f.status
	byteLen := uint32(driver.Length(ps.wr.SGL))
	if ps.wr.Opcode == driver.OpRDMARead && status == driver.WCSuccess {
		if f.typ != frameReadResp {
			status = driver.WCBadRespErr
		} else {
			byteLen, status = q.dev.scatter(ps.wr.SGL, f.payload)
		}
	}

	if status != driver.WCSuccess {
		q.completeSendLocked(ps, status, 0)
		q.toErrorLocked()
	} else if ps.signaled {
		q.completeSendLocked(ps, driver.WCSuccess, byteLen)
	}
	q.cond.Broadcast()
}

func (q *qp) enqueueRequest(f *frame) {
	select {
	case q.requests <- f:
	case <-q.quit:
	}
}

func (q *qp) respondLoop() error {
	defer close(q.responderDone)
	for {
		select {
		case <-q.quit:
			return nil
		case f, ok := <-q.requests:
			if !ok {
				return nil
			}
			q.mu.Lock()
			q.responding = true
			q.mu.Unlock()
			q.respond(f)
			q.mu.Lock()
			q.responding = false
			q.cond.Broadcast()
			q.mu.Unlock()
		}
	}
}

func (q *qp) respond(f *frame) {
	switch f.typ {
	case frameWrite:
		status := q.dev.remoteWrite(f.rkey, f.addr, f.payload)
		q.reply(&frame{typ: frameAck, status: status, seq: f.seq, qpn: q.num})
	case frameReadReq:
		data, status := q.dev.remoteRead(f.rkey, f.addr, f.length)
		q.reply(&frame{typ: frameReadResp, status: status, seq: f.seq, qpn: q.num, payload: data, length: uint32(len(data))})
	case frameSend:
		wr, ok := q.takeRecv()
		if !ok {
			return
		}
		n, status := q.dev.scatter(wr.SGL, f.payload)
		q.recvCQ.push(driver.WorkCompletion{ID: wr.ID, Status: status, Opcode: driver.WCOpRecv, ByteLen: n, QPNum: q.num})
		ack := driver.WCSuccess
		if status != driver.WCSuccess {
			ack = driver.WCRemoteInvalidReqErr
			q.mu.Lock()
			q.toErrorLocked()
			q.mu.Unlock()
		}
		q.reply(&frame{typ: frameAck, status: ack, seq: f.seq, qpn: q.num})
	}
}

// takeRecv blocks until a receive request is posted. Inbound sends stall
// while the receive queue is empty.
func (q *qp) takeRecv() (driver.RecvWR, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.awaitingRecv = true
	q.cond.Broadcast()
	for len(q.recvq) == 0 && q.state == qpReady && !q.draining {
		q.cond.Wait()
	}
	q.awaitingRecv = false
	if len(q.recvq) == 0 || q.state != qpReady {
		return driver.RecvWR{}, false
	}
	wr := q.recvq[0]
	q.recvq = q.recvq[1:]
	return wr, true
}

func (q *qp) reply(f *frame) {
	_ = q.lnk.writeFrame(f)
}

// quiesce waits for the inbound request being executed, if any, so its
// response is written before a local disconnect closes the link. A send
// stalled on an empty receive queue is not waited for.
func (q *qp) quiesce() {
	q.mu.Lock()
	for q.responding && !q.awaitingRecv && q.state == qpReady {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// detach runs when the link goes away: pending inbound requests are drained
// and every outstanding work request is flushed.
func (q *qp) detach() {
	q.closeReqOnce.Do(func() { close(q.requests) })
	q.mu.Lock()
	q.draining = true
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()
	if started {
		<-q.responderDone
	}
	q.mu.Lock()
	q.toErrorLocked()
	q.mu.Unlock()
}

func (q *qp) destroy() {
	q.quitOnce.Do(func() { close(q.quit) })
	q.mu.Lock()
	q.state = qpDestroyed
	q.sendq = nil
	q.inflight = nil
	q.recvq = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	_ = q.group.Wait()

	q.sendCQ.unref()
	q.recvCQ.unref()
	q.pd.refs.Add(-1)
	q.p.stats.qps.Add(-1)
}

// toErrorLocked transitions to the error state and flushes every queued
// work request with a flush-error completion.
func (q *qp) toErrorLocked() {
	if q.state == qpError || q.state == qpDestroyed {
		return
	}
	q.state = qpError
	for _, ps := range q.inflight {
		q.completeSendLocked(ps, driver.WCWRFlushErr, 0)
	}
	for _, ps := range q.sendq {
		q.completeSendLocked(ps, driver.WCWRFlushErr, 0)
	}
	for _, wr := range q.recvq {
		q.recvCQ.push(driver.WorkCompletion{ID: wr.ID, Status: driver.WCWRFlushErr, Opcode: driver.WCOpRecv, QPNum: q.num})
	}
	q.inflight = nil
	q.sendq = nil
	q.recvq = nil
	q.cond.Broadcast()
}

func (q *qp) completeSendLocked(ps *pendingSend, status driver.WCStatus, byteLen uint32) {
	q.sendCQ.push(driver.WorkCompletion{
		ID:      ps.wr.ID,
		Status:  status,
		Opcode:  sendCompletionOpcode(ps.wr.Opcode),
		ByteLen: byteLen,
		QPNum:   q.num,
	})
}

func sendCompletionOpcode(op driver.Opcode) driver.WCOpcode {
	switch op {
	case driver.OpRDMAWrite, driver.OpRDMAWriteWithImm:
		return driver.WCOpRDMAWrite
	case driver.OpRDMARead:
		return driver.WCOpRDMARead
	default:
		return driver.WCOpSend
	}
}
