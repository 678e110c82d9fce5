package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// drainWait bounds the wait for stray events while tearing down.
const drainWait = 10 * time.Millisecond

// Conn is one reliable-connected session. It owns the connection identifier,
// the queue pair and the registry resources, and tears all of them down on
// Close or on the first fatal error.
type Conn struct {
	cfg   Config
	role  Role
	tel   *telemetry
	stats connStats
	sm    stateMachine

	events     *rdma.EventChannel
	ownsEvents bool
	id         *rdma.ID
	reg        *Registry
	qp         *rdma.QueuePair
	exec       *Executor
	poller     *Poller
	remote     rdma.RemoteDescriptor

	established bool

	closeOnce sync.Once
	closeErr  error
}

func newConn(cfg Config, role Role) *Conn {
	c := &Conn{cfg: cfg, role: role}
	c.tel = newTelemetry(&c.cfg, role)
	return c
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	if c == nil {
		return StateInit
	}
	return c.sm.current()
}

// SessionID returns the identifier attached to logs and spans.
func (c *Conn) SessionID() string {
	if c == nil {
		return ""
	}
	return c.cfg.SessionID
}

// Role reports which side of the handshake the connection played.
func (c *Conn) Role() Role {
	if c == nil {
		return RoleInitiator
	}
	return c.role
}

// Executor returns the work request executor, or nil before the queue pair
// exists.
func (c *Conn) Executor() *Executor {
	if c == nil {
		return nil
	}
	return c.exec
}

// Poller returns the completion poller, or nil before the queue pair exists.
func (c *Conn) Poller() *Poller {
	if c == nil {
		return nil
	}
	return c.poller
}

// Registry returns the verbs resources of the connection.
func (c *Conn) Registry() *Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// RemoteDescriptor returns the peer buffer descriptor received during the
// handshake. It is zero for responders.
func (c *Conn) RemoteDescriptor() rdma.RemoteDescriptor {
	if c == nil {
		return rdma.RemoteDescriptor{}
	}
	return c.remote
}

// LocalAddr returns the local address of the connection identifier.
func (c *Conn) LocalAddr() net.Addr {
	if c == nil {
		return nil
	}
	return c.id.LocalAddr()
}

// RemoteAddr returns the peer address of the connection identifier.
func (c *Conn) RemoteAddr() net.Addr {
	if c == nil {
		return nil
	}
	return c.id.RemoteAddr()
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		EventsReceived:     c.stats.events.Load(),
		SendsPosted:        c.stats.sends.Load(),
		RecvsPosted:        c.stats.recvs.Load(),
		CompletionsOK:      c.stats.completions.Load(),
		CompletionsErrored: c.stats.failed.Load(),
		EmptyNotifications: c.stats.empty.Load(),
	}
}

func (c *Conn) setState(next State) error {
	prev, err := c.sm.advance(next)
	if err != nil {
		return err
	}
	c.tel.event("state", logKV("from", prev.String()), logKV("state", next.String()))
	return nil
}

func (c *Conn) markEstablished() error {
	if err := c.setState(StateEstablished); err != nil {
		return err
	}
	c.established = true
	c.tel.metricEstablished()
	return nil
}

func (c *Conn) requireEstablished() error {
	switch c.sm.current() {
	case StateEstablished:
		return nil
	case StateDisconnected, StateError:
		return ErrClosed
	default:
		return ErrNotEstablished
	}
}

// nextEvent retrieves exactly one connection-management event.
func (c *Conn) nextEvent(ctx context.Context) (*rdma.Event, error) {
	ev, err := c.events.GetEvent(ensureContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get cm event: %w", err)
	}
	c.stats.events.Add(1)
	fields := []logField{logKV(labelEventType, ev.Type().String())}
	if status := ev.Status(); status != 0 {
		fields = append(fields, logKV(labelStatus, status))
	}
	if n := len(ev.PrivateData()); n > 0 {
		fields = append(fields, logKV("private_data_len", n))
	}
	c.tel.event("cm_event", fields...)
	c.tel.metricEvent(logKV(labelEventType, ev.Type().String()))
	return ev, nil
}

// expect retrieves the next event for this connection and fails unless it
// has type want. The event is acknowledged before expect returns; its type,
// identifiers, status and private data stay readable. Connect requests for
// other identifiers are rejected on the way.
func (c *Conn) expect(ctx context.Context, want rdma.EventType) (*rdma.Event, error) {
	for {
		ev, err := c.nextEvent(ctx)
		if err != nil {
			return nil, err
		}
		if err := ev.Ack(); err != nil {
			return nil, fmt.Errorf("ack %s event: %w", ev.Type(), err)
		}
		if c.rejectForeign(ev) {
			continue
		}
		if ev.Type() != want {
			return nil, &UnexpectedEventError{Want: want, Got: ev.Type(), Status: ev.Status()}
		}
		return ev, nil
	}
}

// rejectForeign refuses connect requests that arrive while this connection
// already owns an identifier. It reports whether ev was consumed.
func (c *Conn) rejectForeign(ev *rdma.Event) bool {
	if ev.Type() != rdma.EventConnectRequest || c.id == nil || ev.ID() == c.id {
		return false
	}
	other := ev.ID()
	err := multierr.Append(other.Reject(nil), other.Close())
	c.tel.event("reject_foreign", logKV("error", err))
	return true
}

// drainEvents acknowledges events still queued for the connection so its
// identifier can be destroyed.
func (c *Conn) drainEvents() {
	if c.events == nil {
		return
	}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), drainWait)
		ev, err := c.events.GetEvent(ctx)
		cancel()
		if err != nil {
			return
		}
		c.tel.event("drain", logKV(labelEventType, ev.Type().String()))
		_ = ev.Ack()
		c.rejectForeign(ev)
	}
}

// Close disconnects an established connection, waits for the DISCONNECTED
// event, and releases every resource. It is safe to call more than once.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	if c.sm.current() == StateEstablished {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisconnectTimeout)
		err = c.disconnect(ctx)
		cancel()
		if err != nil {
			_, _ = c.sm.advance(StateError)
			c.tel.recordError(err)
		}
	}
	return multierr.Append(err, c.release(err))
}

// disconnect runs the active side of the disconnect handshake.
func (c *Conn) disconnect(ctx context.Context) error {
	if err := c.id.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if _, err := c.expect(ctx, rdma.EventDisconnected); err != nil {
		return fmt.Errorf("await disconnect: %w", err)
	}
	return c.setState(StateDisconnected)
}

// awaitDisconnect runs the passive side of the disconnect handshake.
func (c *Conn) awaitDisconnect(ctx context.Context) error {
	if _, err := c.expect(ctx, rdma.EventDisconnected); err != nil {
		return err
	}
	if err := c.id.Disconnect(); err != nil {
		c.tel.event("disconnect_error", logKV("error", err))
	}
	return c.setState(StateDisconnected)
}

// fail moves the connection to StateError, records err and tears down every
// resource. The returned error wraps err and any teardown failure.
func (c *Conn) fail(err error) error {
	if err == nil {
		return nil
	}
	_, _ = c.sm.advance(StateError)
	kind := failureKind(err, c.established)
	c.tel.event("error", logKV(labelKind, kind), logKV("error", err))
	c.tel.recordError(err)
	c.tel.metricFailed(kind, err)
	return multierr.Append(err, c.release(err))
}

func (c *Conn) release(cause error) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.teardown()
		fields := []logField{logKV(labelStatus, "ok")}
		if c.closeErr != nil {
			fields = []logField{logKV(labelStatus, "error"), logKV("error", c.closeErr)}
		}
		c.tel.event("teardown", fields...)
		c.tel.metricClosed()
		c.tel.endSpan(multierr.Append(cause, c.closeErr))
	})
	return c.closeErr
}

// teardown destroys the queue pair, the registry resources, the identifier
// and, when owned, the event channel, in that order.
func (c *Conn) teardown() error {
	var err error
	if c.qp != nil {
		if cerr := c.qp.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy qp: %w", cerr))
		} else {
			c.qp = nil
		}
	}
	if c.reg != nil {
		if cerr := c.reg.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}
	if c.id != nil {
		if cerr := c.closeID(c.id); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy id: %w", cerr))
		}
	}
	if c.ownsEvents && c.events != nil {
		c.drainEvents()
		if cerr := c.events.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("destroy event channel: %w", cerr))
		} else {
			c.events = nil
		}
	}
	return err
}

// closeID destroys id, acknowledging events that raced with teardown.
func (c *Conn) closeID(id *rdma.ID) error {
	err := id.Close()
	if errors.Is(err, rdma.ErrBusy) {
		c.drainEvents()
		err = id.Close()
	}
	return err
}
