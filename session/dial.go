package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Dial runs the active side of the handshake: resolve address, resolve
// route, allocate resources, connect, and read the responder's buffer
// descriptor from the ESTABLISHED event. On failure every resource created
// so far is released and the returned error says which step failed.
func Dial(ctx context.Context, cfg Config, local, remote *net.TCPAddr) (*Initiator, error) {
	if remote == nil {
		return nil, errors.New("rdma session: remote address required")
	}
	cfg.applyDefaults(RoleInitiator)
	c := newConn(cfg, RoleInitiator)
	c.tel.startSpan(TraceAttribute{Key: "remote", Value: remote.String()})
	if err := c.dial(ensureContext(ctx), local, remote); err != nil {
		return nil, c.fail(err)
	}
	return &Initiator{Conn: c}, nil
}

func (c *Conn) dial(ctx context.Context, local, remote *net.TCPAddr) error {
	events, err := c.cfg.Provider.CreateEventChannel()
	if err != nil {
		return fmt.Errorf("create event channel: %w", err)
	}
	c.events = events
	c.ownsEvents = true

	if c.id, err = events.CreateID(); err != nil {
		return fmt.Errorf("create id: %w", err)
	}

	err = c.resolve(ctx, StateAddrResolving, StateAddrResolved, rdma.EventAddrResolved, rdma.EventAddrError, "resolve addr", func() error {
		return c.id.ResolveAddr(local, remote, c.cfg.ResolveTimeout)
	})
	if err != nil {
		return err
	}
	err = c.resolve(ctx, StateRouteResolving, StateRouteResolved, rdma.EventRouteResolved, rdma.EventRouteError, "resolve route", func() error {
		return c.id.ResolveRoute(c.cfg.ResolveTimeout)
	})
	if err != nil {
		return err
	}

	if c.reg, err = newRegistry(c.id, c.cfg.CQDepth, initiatorSlots, rdma.AccessLocalWrite); err != nil {
		return err
	}
	if c.qp, err = c.reg.createQP(c.id, c.cfg.Cap); err != nil {
		return err
	}
	c.exec = newExecutor(c.qp, c.reg.region, c.tel, &c.stats)
	c.poller = newPoller(c.reg, c.exec, c.tel, &c.stats)

	if err := c.setState(StateConnecting); err != nil {
		return err
	}
	param := &rdma.ConnParam{InitiatorDepth: c.cfg.InitiatorDepth, RetryCount: c.cfg.RetryCount}
	if err := c.id.Connect(param); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ev, err := c.expect(ctx, rdma.EventEstablished)
	if err != nil {
		return err
	}
	desc, err := rdma.DecodeDescriptor(ev.PrivateData(), c.cfg.DescriptorOrder)
	if err != nil {
		return fmt.Errorf("decode remote descriptor: %w", err)
	}
	c.remote = desc
	c.tel.event("remote_descriptor",
		logKV("addr", fmt.Sprintf("0x%x", desc.Addr)),
		logKV("rkey", fmt.Sprintf("0x%x", desc.RKey)),
		logKV("order", c.cfg.DescriptorOrder.String()),
	)
	return c.markEstablished()
}

// resolve runs one resolution step. Only the step's own error event is
// retried, and only while Config.ResolveAttempts allows it.
func (c *Conn) resolve(ctx context.Context, pending, done State, want, retryable rdma.EventType, step string, start func() error) error {
	if err := c.setState(pending); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		if err := start(); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		_, err := c.expect(ctx, want)
		if err == nil {
			return c.setState(done)
		}
		var uerr *UnexpectedEventError
		if attempt >= c.cfg.ResolveAttempts || !errors.As(err, &uerr) || uerr.Got != retryable {
			return err
		}
		c.tel.event("resolve_retry", logKV("step", step), logKV("attempt", attempt), logKV("error", err))
	}
}
