package session

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// slotSize is the width of one operand slot in a registered buffer.
const slotSize = 4

// Registry owns the verbs resources of one connection: protection domain,
// completion channel, the shared completion queue and the registered buffer.
type Registry struct {
	device  *rdma.Device
	pd      *rdma.ProtectionDomain
	channel *rdma.CompletionChannel
	cq      *rdma.CompletionQueue
	region  *rdma.MemoryRegion
}

// newRegistry allocates verbs resources on the device bound to id. The
// completion queue is armed before it is returned so the first completion
// raises a notification.
func newRegistry(id *rdma.ID, depth, slots int, access rdma.Access) (_ *Registry, err error) {
	r := &Registry{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
		}
	}()

	if r.device, err = id.Device(); err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if r.pd, err = r.device.AllocPD(); err != nil {
		return nil, fmt.Errorf("alloc pd: %w", err)
	}
	if r.channel, err = r.device.CreateCompletionChannel(); err != nil {
		return nil, fmt.Errorf("create completion channel: %w", err)
	}
	if r.cq, err = r.device.CreateCompletionQueue(depth, r.channel); err != nil {
		return nil, fmt.Errorf("create completion queue: %w", err)
	}
	if err = r.cq.RequestNotify(); err != nil {
		return nil, fmt.Errorf("arm completion queue: %w", err)
	}
	if r.region, err = r.pd.RegisterMemory(make([]byte, slots*slotSize), access); err != nil {
		return nil, fmt.Errorf("register memory: %w", err)
	}
	return r, nil
}

// Region returns the registered buffer.
func (r *Registry) Region() *rdma.MemoryRegion {
	if r == nil {
		return nil
	}
	return r.region
}

// Device returns the device the resources were allocated on.
func (r *Registry) Device() *rdma.Device {
	if r == nil {
		return nil
	}
	return r.device
}

func (r *Registry) createQP(id *rdma.ID, caps rdma.QPCap) (*rdma.QueuePair, error) {
	qp, err := id.CreateQP(r.pd, rdma.QPAttr{SendCQ: r.cq, RecvCQ: r.cq, Cap: caps})
	if err != nil {
		return nil, fmt.Errorf("create qp: %w", err)
	}
	return qp, nil
}

// Close releases the region, completion queue, completion channel and
// protection domain in that order. Queue pairs using them must be destroyed
// first.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var err error
	if r.region != nil {
		if cerr := r.region.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("deregister memory: %w", cerr))
		} else {
			r.region = nil
		}
	}
	if r.cq != nil {
		if cerr := r.cq.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy completion queue: %w", cerr))
		} else {
			r.cq = nil
		}
	}
	if r.channel != nil {
		if cerr := r.channel.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy completion channel: %w", cerr))
		} else {
			r.channel = nil
		}
	}
	if r.pd != nil {
		if cerr := r.pd.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("dealloc pd: %w", cerr))
		} else {
			r.pd = nil
		}
	}
	return err
}
