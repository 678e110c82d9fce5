package session

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Executor posts work requests against the connection's queue pair and
// registered buffer. Offsets and lengths address the registered buffer.
//
// Signaled sends and every receive stay outstanding until the poller sees
// their completion; reusing an outstanding identifier fails with
// ErrDuplicateWorkRequest.
type Executor struct {
	qp     *rdma.QueuePair
	region *rdma.MemoryRegion
	tel    *telemetry
	stats  *connStats

	mu          sync.Mutex
	outstanding map[uint64]rdma.Opcode
}

func newExecutor(qp *rdma.QueuePair, region *rdma.MemoryRegion, tel *telemetry, stats *connStats) *Executor {
	return &Executor{
		qp:          qp,
		region:      region,
		tel:         tel,
		stats:       stats,
		outstanding: make(map[uint64]rdma.Opcode),
	}
}

// opRecv marks outstanding receives; it is not a send opcode.
const opRecv rdma.Opcode = -1

func (e *Executor) reserve(id uint64, op rdma.Opcode, track bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.outstanding[id]; ok {
		return fmt.Errorf("%w: wr %d (%s)", ErrDuplicateWorkRequest, id, opName(prev))
	}
	if track {
		e.outstanding[id] = op
	}
	return nil
}

func (e *Executor) release(id uint64) {
	e.mu.Lock()
	delete(e.outstanding, id)
	e.mu.Unlock()
}

// Outstanding reports how many tracked work requests await completion.
func (e *Executor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// PostRecv posts a receive into [offset, offset+length).
func (e *Executor) PostRecv(id uint64, offset, length int) error {
	if err := e.reserve(id, opRecv, true); err != nil {
		return err
	}
	req := &rdma.RegionRequest{ID: id, Region: e.region, Offset: offset, Length: length}
	if err := e.qp.PostRecvRegion(req); err != nil {
		e.release(id)
		return fmt.Errorf("post recv wr %d: %w", id, err)
	}
	e.stats.recvs.Add(1)
	e.posted(id, opRecv, 0, length)
	return nil
}

// PostSend sends [offset, offset+length) to the peer's next posted receive.
func (e *Executor) PostSend(id uint64, offset, length int, flags rdma.SendFlag) error {
	return e.post(id, rdma.OpSend, flags, func(req *rdma.RegionRequest) error {
		return e.qp.PostSendRegion(req)
	}, offset, length)
}

// PostWrite RDMA-writes [offset, offset+length) to remote.
func (e *Executor) PostWrite(id uint64, offset, length int, remote rdma.RemoteDescriptor, flags rdma.SendFlag) error {
	return e.post(id, rdma.OpRDMAWrite, flags, func(req *rdma.RegionRequest) error {
		return e.qp.PostWrite(req, remote)
	}, offset, length)
}

// PostRead RDMA-reads remote into [offset, offset+length).
func (e *Executor) PostRead(id uint64, offset, length int, remote rdma.RemoteDescriptor, flags rdma.SendFlag) error {
	return e.post(id, rdma.OpRDMARead, flags, func(req *rdma.RegionRequest) error {
		return e.qp.PostRead(req, remote)
	}, offset, length)
}

func (e *Executor) post(id uint64, op rdma.Opcode, flags rdma.SendFlag, fn func(*rdma.RegionRequest) error, offset, length int) error {
	signaled := flags&rdma.SendSignaled != 0
	if err := e.reserve(id, op, signaled); err != nil {
		return err
	}
	req := &rdma.RegionRequest{ID: id, Region: e.region, Offset: offset, Length: length, Flags: flags}
	if err := fn(req); err != nil {
		if signaled {
			e.release(id)
		}
		return fmt.Errorf("post %s wr %d: %w", op, id, err)
	}
	e.stats.sends.Add(1)
	e.posted(id, op, flags, length)
	return nil
}

func (e *Executor) posted(id uint64, op rdma.Opcode, flags rdma.SendFlag, length int) {
	name := opName(op)
	e.tel.event("post",
		logKV("wr_id", id),
		logKV(labelOpcode, name),
		logKV("flags", flagNames(flags)),
		logKV("length", length),
	)
	e.tel.metricPosted(logKV(labelOpcode, name))
}

// complete releases the identifier of a finished work request.
func (e *Executor) complete(wc rdma.WorkCompletion) {
	e.release(wc.ID)
}

func opName(op rdma.Opcode) string {
	if op == opRecv {
		return "recv"
	}
	return op.String()
}

func flagNames(flags rdma.SendFlag) string {
	if flags == 0 {
		return "none"
	}
	s := ""
	for _, f := range []struct {
		flag rdma.SendFlag
		name string
	}{
		{rdma.SendFence, "fence"},
		{rdma.SendSignaled, "signaled"},
		{rdma.SendSolicited, "solicited"},
		{rdma.SendInline, "inline"},
	} {
		if flags&f.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	return s
}
