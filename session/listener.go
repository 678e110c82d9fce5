package session

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Listener owns the event channel and the listening identifier of the
// passive side. It hands out one Responder per accepted connect request.
type Listener struct {
	cfg    Config
	tel    *telemetry
	events *rdma.EventChannel
	id     *rdma.ID
	addr   *net.TCPAddr

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr and starts listening for connect requests. A nil addr
// listens on every interface at DefaultPort.
func Listen(cfg Config, addr *net.TCPAddr) (_ *Listener, err error) {
	cfg.applyDefaults(RoleResponder)
	if addr == nil {
		addr = &net.TCPAddr{IP: net.IPv4zero, Port: DefaultPort}
	}
	l := &Listener{cfg: cfg, addr: addr}
	l.tel = newTelemetry(&l.cfg, RoleResponder)
	defer func() {
		if err != nil {
			err = multierr.Append(err, l.Close())
		}
	}()

	if l.events, err = cfg.Provider.CreateEventChannel(); err != nil {
		return nil, fmt.Errorf("create event channel: %w", err)
	}
	if l.id, err = l.events.CreateID(); err != nil {
		return nil, fmt.Errorf("create id: %w", err)
	}
	if err = l.id.BindAddr(addr); err != nil {
		return nil, fmt.Errorf("bind addr %s: %w", addr, err)
	}
	if err = l.id.Listen(cfg.Backlog); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	l.tel.event("listen", logKV("addr", addr.String()), logKV("backlog", cfg.Backlog))
	return l, nil
}

// Addr returns the address the listener was bound to.
func (l *Listener) Addr() net.Addr {
	if l == nil {
		return nil
	}
	if a := l.id.LocalAddr(); a != nil {
		return a
	}
	return l.addr
}

// Accept waits for a connect request and completes the passive handshake:
// allocate resources on the request's device, register the exposed buffer,
// create the queue pair, and accept with the buffer descriptor as private
// data. If setup fails after the request arrived, the request is rejected so
// the initiator sees REJECTED.
func (l *Listener) Accept(ctx context.Context) (*Responder, error) {
	if l == nil || l.events == nil {
		return nil, ErrClosed
	}
	ctx = ensureContext(ctx)
	c := newConn(l.cfg, RoleResponder)
	c.events = l.events
	c.tel.startSpan(TraceAttribute{Key: "listen", Value: l.addr.String()})
	if err := c.setState(StateListening); err != nil {
		return nil, c.fail(err)
	}

	ev, err := c.expect(ctx, rdma.EventConnectRequest)
	if err != nil {
		return nil, c.fail(err)
	}
	c.id = ev.ID()
	if err := c.setState(StateConnectRequested); err != nil {
		return nil, c.fail(err)
	}
	if err := c.accept(ctx); err != nil {
		return nil, c.fail(err)
	}
	return &Responder{Conn: c}, nil
}

func (c *Conn) accept(ctx context.Context) (err error) {
	accepted := false
	defer func() {
		if err == nil || accepted {
			return
		}
		if rerr := c.id.Reject(nil); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("reject: %w", rerr))
			return
		}
		c.tel.event("reject", logKV("error", err))
	}()

	access := c.cfg.Access
	if access == 0 {
		access = c.cfg.Mode.access()
	}
	if c.reg, err = newRegistry(c.id, c.cfg.CQDepth, responderSlots, access); err != nil {
		return err
	}
	if c.qp, err = c.reg.createQP(c.id, c.cfg.Cap); err != nil {
		return err
	}
	c.exec = newExecutor(c.qp, c.reg.region, c.tel, &c.stats)
	c.poller = newPoller(c.reg, c.exec, c.tel, &c.stats)

	r := &Responder{Conn: c}
	switch c.cfg.Mode {
	case ModeRead:
		r.put(responderSlotFirst, c.cfg.Seed)
	default:
		if err = c.exec.PostRecv(wrServeRecv, responderSlotSecond*slotSize, slotSize); err != nil {
			return err
		}
	}

	desc := c.reg.region.Descriptor()
	pdata, err := rdma.EncodeDescriptor(desc, c.cfg.DescriptorOrder)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	param := &rdma.ConnParam{PrivateData: pdata, ResponderResources: c.cfg.ResponderResources}
	if err = c.id.Accept(param); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	accepted = true
	c.tel.event("accept",
		logKV("mode", c.cfg.Mode.String()),
		logKV("access", access.String()),
		logKV("addr", fmt.Sprintf("0x%x", desc.Addr)),
		logKV("rkey", fmt.Sprintf("0x%x", desc.RKey)),
	)
	if _, err = c.expect(ctx, rdma.EventEstablished); err != nil {
		return err
	}
	return c.markEstablished()
}

// Close destroys the listening identifier and the event channel. Responders
// accepted from the listener must be closed first.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		var err error
		if l.events != nil {
			l.drain()
		}
		if l.id != nil {
			if cerr := l.id.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("destroy listen id: %w", cerr))
			}
		}
		if l.events != nil {
			if cerr := l.events.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("destroy event channel: %w", cerr))
			}
		}
		l.closeErr = err
		l.tel.event("listener_closed", logKV("error", err))
	})
	return l.closeErr
}

// drain rejects connect requests that were never accepted.
func (l *Listener) drain() {
	c := &Conn{events: l.events, tel: l.tel, id: l.id}
	c.drainEvents()
}
