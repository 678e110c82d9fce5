package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Responder buffer layout, in operand slots. The first slot is the RDMA
// target exposed to the initiator.
const (
	responderSlotFirst  = 0
	responderSlotSecond = 1
	responderSlotReply  = 2
	responderSlots      = 3
)

const (
	wrServeRecv  uint64 = 0
	wrServeReply uint64 = 1
)

// AddResult is what a responder observed while serving one addition.
type AddResult struct {
	A   uint32
	B   uint32
	Sum uint32
}

func (r AddResult) String() string {
	return fmt.Sprintf("%d + %d = %d", r.A, r.B, r.Sum)
}

// Responder is the passive side of a session.
type Responder struct {
	*Conn
}

func (r *Responder) slot(i int) []byte {
	return r.reg.region.Bytes()[i*slotSize : (i+1)*slotSize]
}

func (r *Responder) put(i int, v uint32) {
	binary.BigEndian.PutUint32(r.slot(i), v)
}

func (r *Responder) get(i int) uint32 {
	return binary.BigEndian.Uint32(r.slot(i))
}

// ServeAdd waits for the initiator's operands, replies with their sum and
// then waits for the initiator to disconnect. The first operand arrives by
// RDMA write ahead of the send carrying the second.
func (r *Responder) ServeAdd(ctx context.Context) (AddResult, error) {
	if r == nil || r.Conn == nil {
		return AddResult{}, ErrClosed
	}
	if err := r.requireEstablished(); err != nil {
		return AddResult{}, err
	}
	if r.cfg.Mode != ModeAdd {
		return AddResult{}, fmt.Errorf("rdma session: serve add on %s responder", r.cfg.Mode)
	}
	if err := r.await(ctx, wrServeRecv); err != nil {
		return AddResult{}, r.fail(err)
	}
	res := AddResult{A: r.get(responderSlotFirst), B: r.get(responderSlotSecond)}
	res.Sum = res.A + res.B
	r.put(responderSlotReply, res.Sum)
	r.tel.event("add", logKV("a", res.A), logKV("b", res.B), logKV("sum", res.Sum))

	if err := r.exec.PostSend(wrServeReply, responderSlotReply*slotSize, slotSize, rdma.SendSignaled); err != nil {
		return res, r.fail(err)
	}
	if err := r.await(ctx, wrServeReply); err != nil {
		return res, r.fail(err)
	}
	if err := r.awaitDisconnect(ctx); err != nil {
		return res, r.fail(err)
	}
	return res, nil
}

// ServeRead exposes the seeded buffer to the initiator's one-sided
// operations and returns the first slot once the initiator disconnects.
func (r *Responder) ServeRead(ctx context.Context) (uint32, error) {
	if r == nil || r.Conn == nil {
		return 0, ErrClosed
	}
	if err := r.requireEstablished(); err != nil {
		return 0, err
	}
	if err := r.awaitDisconnect(ctx); err != nil {
		return 0, r.fail(err)
	}
	v := r.get(responderSlotFirst)
	r.tel.event("read_served", logKV("value", v))
	return v, nil
}

// Value returns the first slot of the exposed buffer, or zero once the
// buffer has been released.
func (r *Responder) Value() uint32 {
	if r == nil || r.Conn == nil || len(r.reg.Region().Bytes()) < responderSlots*slotSize {
		return 0
	}
	return r.get(responderSlotFirst)
}

func (r *Responder) await(ctx context.Context, id uint64) error {
	return r.poller.Run(ctx, func(wc rdma.WorkCompletion) (bool, error) {
		return wc.ID == id, nil
	})
}
