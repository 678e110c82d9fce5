package session

import (
	"context"
	"fmt"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// CompletionHandler consumes one successful work completion. Returning done
// stops the poller.
type CompletionHandler func(wc rdma.WorkCompletion) (done bool, err error)

// Poller drains the connection's completion queue. Each wake-up acknowledges
// the notification, re-arms the queue and then polls one entry at a time
// until the queue is empty.
type Poller struct {
	channel *rdma.CompletionChannel
	cq      *rdma.CompletionQueue
	exec    *Executor
	tel     *telemetry
	stats   *connStats

	// surplus counts entries drained ahead of their own notification. The
	// matching wake-ups find an empty queue and are not errors.
	surplus int
}

func newPoller(reg *Registry, exec *Executor, tel *telemetry, stats *connStats) *Poller {
	return &Poller{channel: reg.channel, cq: reg.cq, exec: exec, tel: tel, stats: stats}
}

// Run blocks until handler reports done, a completion fails, or ctx ends.
func (p *Poller) Run(ctx context.Context, handler CompletionHandler) error {
	ctx = ensureContext(ctx)
	for {
		cq, err := p.channel.Wait(ctx)
		if err != nil {
			return fmt.Errorf("wait for completion: %w", err)
		}
		cq.Ack(1)
		if err := cq.RequestNotify(); err != nil {
			return fmt.Errorf("re-arm completion queue: %w", err)
		}

		for n := 0; ; n++ {
			wc, ok, err := cq.PollOne()
			if err != nil {
				return fmt.Errorf("poll completion queue: %w", err)
			}
			if !ok {
				if n > 0 {
					break
				}
				if p.surplus == 0 {
					return ErrNoCompletion
				}
				p.surplus--
				p.stats.empty.Add(1)
				p.tel.event("empty_notification", logKV("surplus", p.surplus))
				break
			}
			if n > 0 {
				p.surplus++
			}

			done, err := p.dispatch(wc, handler)
			if err != nil || done {
				return err
			}
		}
	}
}

func (p *Poller) dispatch(wc rdma.WorkCompletion, handler CompletionHandler) (bool, error) {
	p.exec.complete(wc)
	fields := []logField{
		logKV("wr_id", wc.ID),
		logKV(labelOpcode, wc.Opcode.String()),
		logKV(labelStatus, wc.Status.String()),
		logKV("byte_len", wc.ByteLen),
	}
	metricFields := []logField{
		logKV(labelOpcode, wc.Opcode.String()),
		logKV(labelStatus, wc.Status.String()),
	}
	if err := rdma.CheckCompletion(wc); err != nil {
		p.stats.failed.Add(1)
		p.tel.event("completion_error", append(fields, logKV("vendor_err", wc.VendorErr))...)
		p.tel.metricCompletion(err, metricFields...)
		return false, err
	}
	p.stats.completions.Add(1)
	p.tel.event("completion", fields...)
	p.tel.metricCompletion(nil, metricFields...)
	return handler(wc)
}
