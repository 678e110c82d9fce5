package session

import (
	"context"
	"encoding/binary"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Initiator buffer layout, in operand slots.
const (
	initiatorSlotFirst  = 0
	initiatorSlotSecond = 1
	initiatorSlotResult = 2
	initiatorSlots      = 3
)

// Work request identifiers used by the initiator.
const (
	wrAddReply uint64 = 0
	wrAddWrite uint64 = 1
	wrAddSend  uint64 = 2
	wrOneWrite uint64 = 0
	wrOneRead  uint64 = 1
)

// ReadTestValue is the value the read test writes and reads back.
const ReadTestValue uint32 = 2

// Initiator is the active side of a session.
type Initiator struct {
	*Conn
}

func (in *Initiator) slot(i int) []byte {
	return in.reg.region.Bytes()[i*slotSize : (i+1)*slotSize]
}

// Add asks a ModeAdd responder for a+b. The receive for the reply is posted
// first, a is RDMA-written into the responder's buffer without a completion,
// and b is sent. The reply lands in the pre-posted receive. Operands travel
// in network byte order.
func (in *Initiator) Add(ctx context.Context, a, b uint32) (uint32, error) {
	if in == nil || in.Conn == nil {
		return 0, ErrClosed
	}
	if err := in.requireEstablished(); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(in.slot(initiatorSlotFirst), a)
	binary.BigEndian.PutUint32(in.slot(initiatorSlotSecond), b)
	binary.BigEndian.PutUint32(in.slot(initiatorSlotResult), 0)

	if err := in.exec.PostRecv(wrAddReply, initiatorSlotResult*slotSize, slotSize); err != nil {
		return 0, in.fail(err)
	}
	if err := in.exec.PostWrite(wrAddWrite, initiatorSlotFirst*slotSize, slotSize, in.remote.Offset(responderSlotFirst*slotSize), 0); err != nil {
		return 0, in.fail(err)
	}
	if err := in.exec.PostSend(wrAddSend, initiatorSlotSecond*slotSize, slotSize, rdma.SendSignaled); err != nil {
		return 0, in.fail(err)
	}
	err := in.poller.Run(ctx, func(wc rdma.WorkCompletion) (bool, error) {
		return wc.ID == wrAddReply, nil
	})
	if err != nil {
		return 0, in.fail(err)
	}
	return binary.BigEndian.Uint32(in.slot(initiatorSlotResult)), nil
}

// WriteRead RDMA-writes v into the first slot of the responder's buffer,
// waits for the write to complete, and reads the slot back with a fenced
// read. The fence guarantees the read observes the write.
func (in *Initiator) WriteRead(ctx context.Context, v uint32) (uint32, error) {
	return in.writeRead(ctx, v, true)
}

// WriteReadUnfenced posts the write without requesting a completion and the
// read immediately after it without a fence. Nothing orders the read after
// the write, so the value read may predate it.
func (in *Initiator) WriteReadUnfenced(ctx context.Context, v uint32) (uint32, error) {
	return in.writeRead(ctx, v, false)
}

func (in *Initiator) writeRead(ctx context.Context, v uint32, fenced bool) (uint32, error) {
	if in == nil || in.Conn == nil {
		return 0, ErrClosed
	}
	if err := in.requireEstablished(); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(in.slot(initiatorSlotFirst), v)
	binary.BigEndian.PutUint32(in.slot(initiatorSlotResult), 0)
	target := in.remote.Offset(responderSlotFirst * slotSize)

	writeFlags := rdma.SendFlag(0)
	readFlags := rdma.SendSignaled
	if fenced {
		writeFlags = rdma.SendSignaled
		readFlags |= rdma.SendFence
	}
	if err := in.exec.PostWrite(wrOneWrite, initiatorSlotFirst*slotSize, slotSize, target, writeFlags); err != nil {
		return 0, in.fail(err)
	}
	if fenced {
		if err := in.await(ctx, wrOneWrite); err != nil {
			return 0, in.fail(err)
		}
	}
	if err := in.exec.PostRead(wrOneRead, initiatorSlotResult*slotSize, slotSize, target, readFlags); err != nil {
		return 0, in.fail(err)
	}
	if err := in.await(ctx, wrOneRead); err != nil {
		return 0, in.fail(err)
	}
	return binary.BigEndian.Uint32(in.slot(initiatorSlotResult)), nil
}

func (in *Initiator) await(ctx context.Context, id uint64) error {
	return in.poller.Run(ctx, func(wc rdma.WorkCompletion) (bool, error) {
		return wc.ID == id, nil
	})
}
