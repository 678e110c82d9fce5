package rdma

import (
	"context"
	"sync"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// EventChannel delivers connection-management events. Events are handed out
// one at a time: the previous event must be acknowledged before the next one
// is retrieved.
type EventChannel struct {
	handle driver.EventChannel

	mu      sync.Mutex
	ids     map[driver.CMID]*ID
	pending *Event
}

// CreateID allocates a connection identifier on the channel.
func (c *EventChannel) CreateID() (*ID, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"event channel"}
	}
	h, err := c.handle.CreateID()
	if err != nil {
		return nil, err
	}
	return c.wrap(h), nil
}

func (c *EventChannel) wrap(h driver.CMID) *ID {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[h]; ok {
		return id
	}
	id := &ID{handle: h, ch: c}
	c.ids[h] = id
	return id
}

func (c *EventChannel) forget(h driver.CMID) {
	c.mu.Lock()
	delete(c.ids, h)
	c.mu.Unlock()
}

// GetEvent blocks until the next event arrives or ctx is done.
func (c *EventChannel) GetEvent(ctx context.Context) (*Event, error) {
	if c == nil || c.handle == nil {
		return nil, ErrInvalidHandle{"event channel"}
	}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrEventNotAcked
	}
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ev, err := c.handle.GetEvent(ctx)
	if err != nil {
		return nil, err
	}
	out := &Event{
		handle: ev,
		ch:     c,
		typ:    ev.Type(),
		status: ev.Status(),
		pdata:  ev.PrivateData(),
		id:     c.wrap(ev.ID()),
		listen: c.wrap(ev.ListenID()),
	}
	c.mu.Lock()
	c.pending = out
	c.mu.Unlock()
	return out, nil
}

// Close destroys the channel. All identifiers must be closed first.
func (c *EventChannel) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending != nil {
		if err := pending.Ack(); err != nil {
			return err
		}
	}
	if err := c.handle.Close(); err != nil {
		return err
	}
	c.handle = nil
	return nil
}

// Event is a single connection-management event.
type Event struct {
	handle driver.Event
	ch     *EventChannel
	typ    EventType
	status int
	pdata  []byte
	id     *ID
	listen *ID
	acked  bool
}

// Type reports the event type.
func (e *Event) Type() EventType {
	if e == nil {
		return -1
	}
	return e.typ
}

// ID returns the identifier the event refers to. For connect requests this
// is a fresh identifier for the incoming connection.
func (e *Event) ID() *ID {
	if e == nil {
		return nil
	}
	return e.id
}

// ListenID returns the listening identifier for connect requests.
func (e *Event) ListenID() *ID {
	if e == nil {
		return nil
	}
	return e.listen
}

// Status reports the provider status attached to the event.
func (e *Event) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}

// PrivateData returns the connect, accept or reject private data.
func (e *Event) PrivateData() []byte {
	if e == nil {
		return nil
	}
	return append([]byte(nil), e.pdata...)
}

// Ack releases the event. It is safe to call more than once.
func (e *Event) Ack() error {
	if e == nil || e.handle == nil {
		return ErrInvalidHandle{"event"}
	}
	if e.acked {
		return nil
	}
	if err := e.handle.Ack(); err != nil {
		return err
	}
	e.acked = true
	e.ch.mu.Lock()
	if e.ch.pending == e {
		e.ch.pending = nil
	}
	e.ch.mu.Unlock()
	return nil
}
