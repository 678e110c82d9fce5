package soft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

type eventChannel struct {
	p      *Provider
	mu     sync.Mutex
	queue  []*event
	ids    map[*cmID]struct{}
	signal chan struct{}
	closed bool
}

func newEventChannel(p *Provider) *eventChannel {
	p.stats.eventChannels.Add(1)
	return &eventChannel{
		p:      p,
		ids:    make(map[*cmID]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (c *eventChannel) CreateID() (driver.CMID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, driver.ErrClosed
	}
	id := newCMID(c.p, c)
	c.ids[id] = struct{}{}
	return id, nil
}

func (c *eventChannel) adopt(id *cmID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *eventChannel) forget(id *cmID) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
}

// post queues an event. Events for a closed channel are dropped.
func (c *eventChannel) post(ev *event) {
	ev.typ = c.p.filter(ev.typ)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ev.ch = c
	if ev.id != nil {
		ev.id.unacked.Add(1)
	}
	c.p.stats.pending.Add(1)
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *eventChannel) GetEvent(ctx context.Context) (driver.Event, error) {
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
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.signal:
		}
	}
}

func (c *eventChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if len(c.ids) > 0 {
		return driver.ErrBusy
	}
	for _, ev := range c.queue {
		ev.release()
	}
	c.queue = nil
	c.closed = true
	c.p.stats.eventChannels.Add(-1)
	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

type event struct {
	typ    driver.EventType
	id     *cmID
	listen *cmID
	status int
	pdata  []byte
	ch     *eventChannel
	acked  atomic.Bool
}

func (e *event) Type() driver.EventType { return e.typ }

func (e *event) ID() driver.CMID {
	if e.id == nil {
		return nil
	}
	return e.id
}

func (e *event) ListenID() driver.CMID {
	if e.listen == nil {
		return nil
	}
	return e.listen
}

func (e *event) Status() int { return e.status }

func (e *event) PrivateData() []byte {
	return append([]byte(nil), e.pdata...)
}

func (e *event) Ack() error {
	if !e.release() {
		return driver.ErrInvalidArgument
	}
	return nil
}

func (e *event) release() bool {
	if !e.acked.CompareAndSwap(false, true) {
		return false
	}
	if e.id != nil {
		e.id.unacked.Add(-1)
	}
	if e.ch != nil {
		e.ch.p.stats.pending.Add(-1)
	}
	return true
}
