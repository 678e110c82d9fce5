package soft

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

func waitEvent(t *testing.T, ch driver.EventChannel, want driver.EventType) driver.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := ch.GetEvent(ctx)
	if err != nil {
		t.Fatalf("GetEvent waiting for %s: %v", want, err)
	}
	if ev.Type() != want {
		t.Fatalf("expected %s, got %s (status %d)", want, ev.Type(), ev.Status())
	}
	return ev
}

func ack(t *testing.T, ev driver.Event) {
	t.Helper()
	if err := ev.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

type endpoint struct {
	ch   driver.EventChannel
	id   driver.CMID
	pd   driver.PD
	comp driver.CompChannel
	cq   driver.CQ
	qp   driver.QP
	mr   driver.MR
}

func setupVerbs(t *testing.T, id driver.CMID, depth int, bufLen int, access driver.Access) *endpoint {
	t.Helper()
	dev, err := id.Device()
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	pd, err := dev.AllocPD()
	if err != nil {
		t.Fatalf("AllocPD: %v", err)
	}
	comp, err := dev.CreateCompChannel()
	if err != nil {
		t.Fatalf("CreateCompChannel: %v", err)
	}
	cq, err := dev.CreateCQ(depth, comp)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	if err := cq.ReqNotify(false); err != nil {
		t.Fatalf("ReqNotify: %v", err)
	}
	mr, err := pd.RegMR(make([]byte, bufLen), access)
	if err != nil {
		t.Fatalf("RegMR: %v", err)
	}
	qp, err := id.CreateQP(pd, &driver.QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		Cap:    driver.QPCap{MaxSendWR: 10, MaxRecvWR: 10, MaxSendSGE: 1, MaxRecvSGE: 1},
	})
	if err != nil {
		t.Fatalf("CreateQP: %v", err)
	}
	return &endpoint{id: id, pd: pd, comp: comp, cq: cq, qp: qp, mr: mr}
}

func (e *endpoint) teardown(t *testing.T) {
	t.Helper()
	if err := e.id.DestroyQP(); err != nil {
		t.Fatalf("DestroyQP: %v", err)
	}
	if err := e.mr.Dereg(); err != nil {
		t.Fatalf("Dereg: %v", err)
	}
	if err := e.cq.Destroy(); err != nil {
		t.Fatalf("cq Destroy: %v", err)
	}
	if err := e.comp.Destroy(); err != nil {
		t.Fatalf("comp Destroy: %v", err)
	}
	if err := e.pd.Dealloc(); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
}

// awaitCompletion blocks on the channel, acks and re-arms, then polls one entry.
func (e *endpoint) awaitCompletion(t *testing.T) driver.WorkCompletion {
	t.Helper()
	var wc [1]driver.WorkCompletion
	if n, err := e.cq.Poll(wc[:]); err != nil {
		t.Fatalf("Poll: %v", err)
	} else if n == 1 {
		return wc[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := e.comp.GetCQEvent(ctx)
	if err != nil {
		t.Fatalf("GetCQEvent: %v", err)
	}
	got.AckEvents(1)
	if err := got.ReqNotify(false); err != nil {
		t.Fatalf("ReqNotify: %v", err)
	}
	n, err := got.Poll(wc[:])
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one completion after notification, got %d", n)
	}
	return wc[0]
}

type pair struct {
	fabric   *Fabric
	cliProv  *Provider
	srvProv  *Provider
	cli, srv *endpoint
	listenCh driver.EventChannel
	listenID driver.CMID
}

func connectPair(t *testing.T, access driver.Access) *pair {
	t.Helper()
	fabric := NewFabric()
	srvProv := New(WithFabric(fabric), WithDeviceName("soft-srv"))
	cliProv := New(WithFabric(fabric), WithDeviceName("soft-cli"))

	srvCh, err := srvProv.CreateEventChannel()
	if err != nil {
		t.Fatalf("CreateEventChannel: %v", err)
	}
	lid, err := srvCh.CreateID()
	if err != nil {
		t.Fatalf("CreateID: %v", err)
	}
	srvAddr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 20079}
	if err := lid.BindAddr(srvAddr); err != nil {
		t.Fatalf("BindAddr: %v", err)
	}
	if err := lid.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cliCh, err := cliProv.CreateEventChannel()
	if err != nil {
		t.Fatalf("CreateEventChannel: %v", err)
	}
	cid, err := cliCh.CreateID()
	if err != nil {
		t.Fatalf("CreateID: %v", err)
	}
	if err := cid.ResolveAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1)}, srvAddr, 5*time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	ack(t, waitEvent(t, cliCh, driver.EventAddrResolved))
	if err := cid.ResolveRoute(5 * time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	ack(t, waitEvent(t, cliCh, driver.EventRouteResolved))

	cli := setupVerbs(t, cid, 4, 16, driver.AccessLocalWrite|access)
	cli.ch = cliCh
	if err := cid.Connect(&driver.ConnParam{PrivateData: []byte("hello"), InitiatorDepth: 1, RetryCount: 7}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := waitEvent(t, srvCh, driver.EventConnectRequest)
	if !bytes.Equal(req.PrivateData(), []byte("hello")) {
		t.Fatalf("unexpected connect private data %q", req.PrivateData())
	}
	if req.ListenID() != lid {
		t.Fatalf("connect request not tied to listener")
	}
	child := req.ID()
	ack(t, req)

	srv := setupVerbs(t, child, 4, 16, driver.AccessLocalWrite|access)
	srv.ch = srvCh
	if err := child.Accept(&driver.ConnParam{PrivateData: []byte("desc"), ResponderResources: 1}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	est := waitEvent(t, cliCh, driver.EventEstablished)
	if !bytes.Equal(est.PrivateData(), []byte("desc")) {
		t.Fatalf("unexpected accept private data %q", est.PrivateData())
	}
	ack(t, est)
	ack(t, waitEvent(t, srvCh, driver.EventEstablished))

	return &pair{fabric: fabric, cliProv: cliProv, srvProv: srvProv, cli: cli, srv: srv, listenCh: srvCh, listenID: lid}
}

func (p *pair) close(t *testing.T) {
	t.Helper()
	if err := p.cli.id.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	ack(t, waitEvent(t, p.cli.ch, driver.EventDisconnected))
	ack(t, waitEvent(t, p.srv.ch, driver.EventDisconnected))

	p.cli.teardown(t)
	p.srv.teardown(t)
	for _, id := range []driver.CMID{p.cli.id, p.srv.id, p.listenID} {
		if err := id.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
	}
	if err := p.cli.ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.listenCh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := p.cliProv.Stats(); s.Leaked() {
		t.Fatalf("client leaked objects: %+v", s)
	}
	if s := p.srvProv.Stats(); s.Leaked() {
		t.Fatalf("server leaked objects: %+v", s)
	}
}

func TestSendRecvAndWrite(t *testing.T) {
	p := connectPair(t, driver.AccessRemoteWrite)
	defer p.close(t)

	if err := p.srv.qp.PostRecv(&driver.RecvWR{ID: 0, SGL: []driver.SGE{{Addr: p.srv.mr.Addr() + 4, Length: 4, LKey: p.srv.mr.LKey()}}}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	buf := p.cli.mr.Bytes()
	binary.BigEndian.PutUint32(buf[0:4], 3)
	binary.BigEndian.PutUint32(buf[4:8], 4)

	write := &driver.SendWR{
		ID:         1,
		Opcode:     driver.OpRDMAWrite,
		SGL:        []driver.SGE{{Addr: p.cli.mr.Addr(), Length: 4, LKey: p.cli.mr.LKey()}},
		RemoteAddr: p.srv.mr.Addr(),
		RKey:       p.srv.mr.RKey(),
	}
	if err := p.cli.qp.PostSend(write); err != nil {
		t.Fatalf("PostSend write: %v", err)
	}
	send := &driver.SendWR{
		ID:     2,
		Opcode: driver.OpSend,
		Flags:  driver.SendSignaled,
		SGL:    []driver.SGE{{Addr: p.cli.mr.Addr() + 4, Length: 4, LKey: p.cli.mr.LKey()}},
	}
	if err := p.cli.qp.PostSend(send); err != nil {
		t.Fatalf("PostSend send: %v", err)
	}

	wc := p.cli.awaitCompletion(t)
	if wc.ID != 2 || wc.Status != driver.WCSuccess || wc.Opcode != driver.WCOpSend {
		t.Fatalf("unexpected send completion %+v", wc)
	}

	rc := p.srv.awaitCompletion(t)
	if rc.ID != 0 || rc.Status != driver.WCSuccess || rc.Opcode != driver.WCOpRecv || rc.ByteLen != 4 {
		t.Fatalf("unexpected recv completion %+v", rc)
	}
	got := p.srv.mr.Bytes()
	if a, b := binary.BigEndian.Uint32(got[0:4]), binary.BigEndian.Uint32(got[4:8]); a != 3 || b != 4 {
		t.Fatalf("responder buffer = %d,%d, want 3,4", a, b)
	}
}

func TestFencedReadSeesWrite(t *testing.T) {
	p := connectPair(t, driver.AccessRemoteWrite|driver.AccessRemoteRead)
	defer p.close(t)

	buf := p.cli.mr.Bytes()
	binary.BigEndian.PutUint32(buf[0:4], 0xfeedface)

	if err := p.cli.qp.PostSend(&driver.SendWR{
		ID:         1,
		Opcode:     driver.OpRDMAWrite,
		SGL:        []driver.SGE{{Addr: p.cli.mr.Addr(), Length: 4, LKey: p.cli.mr.LKey()}},
		RemoteAddr: p.srv.mr.Addr(),
		RKey:       p.srv.mr.RKey(),
	}); err != nil {
		t.Fatalf("PostSend write: %v", err)
	}
	if err := p.cli.qp.PostSend(&driver.SendWR{
		ID:         2,
		Opcode:     driver.OpRDMARead,
		Flags:      driver.SendSignaled | driver.SendFence,
		SGL:        []driver.SGE{{Addr: p.cli.mr.Addr() + 8, Length: 4, LKey: p.cli.mr.LKey()}},
		RemoteAddr: p.srv.mr.Addr(),
		RKey:       p.srv.mr.RKey(),
	}); err != nil {
		t.Fatalf("PostSend read: %v", err)
	}

	wc := p.cli.awaitCompletion(t)
	if wc.ID != 2 || wc.Status != driver.WCSuccess || wc.Opcode != driver.WCOpRDMARead || wc.ByteLen != 4 {
		t.Fatalf("unexpected read completion %+v", wc)
	}
	if got := binary.BigEndian.Uint32(p.cli.mr.Bytes()[8:12]); got != 0xfeedface {
		t.Fatalf("read back %#x", got)
	}
}

func TestRemoteAccessError(t *testing.T) {
	p := connectPair(t, 0)
	defer p.close(t)

	if err := p.cli.qp.PostSend(&driver.SendWR{
		ID:         7,
		Opcode:     driver.OpRDMAWrite,
		Flags:      driver.SendSignaled,
		SGL:        []driver.SGE{{Addr: p.cli.mr.Addr(), Length: 4, LKey: p.cli.mr.LKey()}},
		RemoteAddr: p.srv.mr.Addr(),
		RKey:       p.srv.mr.RKey(),
	}); err != nil {
		t.Fatalf("PostSend: %v", err)
	}
	wc := p.cli.awaitCompletion(t)
	if wc.ID != 7 || wc.Status != driver.WCRemoteAccessErr {
		t.Fatalf("expected remote access error, got %+v", wc)
	}
}

func TestRejectCarriesPrivateData(t *testing.T) {
	fabric := NewFabric()
	srvProv := New(WithFabric(fabric))
	cliProv := New(WithFabric(fabric))

	srvCh, _ := srvProv.CreateEventChannel()
	lid, _ := srvCh.CreateID()
	srvAddr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 20079}
	if err := lid.BindAddr(srvAddr); err != nil {
		t.Fatalf("BindAddr: %v", err)
	}
	if err := lid.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cliCh, _ := cliProv.CreateEventChannel()
	cid, _ := cliCh.CreateID()
	if err := cid.ResolveAddr(nil, srvAddr, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	ack(t, waitEvent(t, cliCh, driver.EventAddrResolved))
	if err := cid.ResolveRoute(time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	ack(t, waitEvent(t, cliCh, driver.EventRouteResolved))
	cli := setupVerbs(t, cid, 2, 8, driver.AccessLocalWrite)
	if err := cid.Connect(&driver.ConnParam{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := waitEvent(t, srvCh, driver.EventConnectRequest)
	child := req.ID()
	ack(t, req)
	if err := child.Reject([]byte("busy")); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	rej := waitEvent(t, cliCh, driver.EventRejected)
	if rej.Status() != statusConsumerRejected || string(rej.PrivateData()) != "busy" {
		t.Fatalf("unexpected reject event status=%d pdata=%q", rej.Status(), rej.PrivateData())
	}
	ack(t, rej)

	cli.teardown(t)
	for _, id := range []driver.CMID{cid, child, lid} {
		if err := id.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
	}
	_ = cliCh.Close()
	_ = srvCh.Close()
	if s := cliProv.Stats(); s.Leaked() {
		t.Fatalf("client leaked: %+v", s)
	}
	if s := srvProv.Stats(); s.Leaked() {
		t.Fatalf("server leaked: %+v", s)
	}
}

func TestConnectUnreachable(t *testing.T) {
	prov := New(WithFabric(NewFabric()))
	ch, _ := prov.CreateEventChannel()
	id, _ := ch.CreateID()
	dst := &net.TCPAddr{IP: net.IPv4(10, 9, 9, 9), Port: 20079}
	if err := id.ResolveAddr(nil, dst, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	ack(t, waitEvent(t, ch, driver.EventAddrResolved))
	if err := id.ResolveRoute(time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	ack(t, waitEvent(t, ch, driver.EventRouteResolved))
	ep := setupVerbs(t, id, 2, 8, driver.AccessLocalWrite)
	if err := id.Connect(nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev := waitEvent(t, ch, driver.EventUnreachable)
	if ev.Status() != statusConnRefused {
		t.Fatalf("unexpected status %d", ev.Status())
	}
	ack(t, ev)
	ep.teardown(t)
	if err := id.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := prov.Stats(); s.Leaked() {
		t.Fatalf("leaked: %+v", s)
	}
}

func TestDestroyRefusesUnackedEvent(t *testing.T) {
	prov := New(WithFabric(NewFabric()))
	ch, _ := prov.CreateEventChannel()
	id, _ := ch.CreateID()
	if err := id.ResolveAddr(nil, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1}, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	ev := waitEvent(t, ch, driver.EventAddrResolved)
	if err := id.Destroy(); err != driver.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := ch.Close(); err != driver.ErrBusy {
		t.Fatalf("expected ErrBusy closing channel with live id, got %v", err)
	}
	ack(t, ev)
	if err := ev.Ack(); err == nil {
		t.Fatalf("expected double ack to fail")
	}
	if err := id.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEventFilterRewritesType(t *testing.T) {
	prov := New(WithEventFilter(func(et driver.EventType) driver.EventType {
		if et == driver.EventAddrResolved {
			return driver.EventAddrError
		}
		return et
	}))
	ch, _ := prov.CreateEventChannel()
	id, _ := ch.CreateID()
	if err := id.ResolveAddr(nil, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1}, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	ack(t, waitEvent(t, ch, driver.EventAddrError))
	_ = id.Destroy()
	_ = ch.Close()
}

func TestRegMRValidatesAccess(t *testing.T) {
	prov := New()
	pd, _ := prov.dev.AllocPD()
	if _, err := pd.RegMR(make([]byte, 8), driver.AccessRemoteWrite); err != driver.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := pd.RegMR(nil, driver.AccessLocalWrite); err != driver.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty buffer, got %v", err)
	}
	mr, err := pd.RegMR(make([]byte, 8), driver.AccessLocalWrite|driver.AccessRemoteWrite)
	if err != nil {
		t.Fatalf("RegMR: %v", err)
	}
	if mr.Addr()%pageSize != 0 {
		t.Fatalf("region address %#x not page aligned", mr.Addr())
	}
	if mr.Addr() != DefaultVABase || mr.Addr()+uint64(mr.Len()) > 0xffffffff {
		t.Fatalf("default region address %#x outside the low 4 GiB", mr.Addr())
	}
	if err := pd.Dealloc(); err != driver.ErrBusy {
		t.Fatalf("expected ErrBusy with live region, got %v", err)
	}
	_ = mr.Dereg()
	if err := pd.Dealloc(); err != nil {
		t.Fatalf("Dealloc: %v", err)
	}
}

func TestCQOverrun(t *testing.T) {
	prov := New()
	cqi, err := prov.dev.CreateCQ(1, nil)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	q := cqi.(*cq)
	q.push(driver.WorkCompletion{ID: 1})
	q.push(driver.WorkCompletion{ID: 2})
	var wc [1]driver.WorkCompletion
	if _, err := q.Poll(wc[:]); err != driver.ErrCQOverrun {
		t.Fatalf("expected ErrCQOverrun, got %v", err)
	}
	_ = q.Destroy()
}

func TestFabricWildcardLookup(t *testing.T) {
	f := NewFabric()
	if err := f.bind(&net.TCPAddr{IP: net.IPv4zero, Port: 20079}, "127.0.0.1:5555"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	actual, ok := f.lookup(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 20079})
	if !ok || actual != "127.0.0.1:5555" {
		t.Fatalf("lookup = %q,%v", actual, ok)
	}
	if err := f.bind(&net.TCPAddr{IP: net.IPv4zero, Port: 20079}, "127.0.0.1:6666"); err != ErrAddrInUse {
		t.Fatalf("expected ErrAddrInUse, got %v", err)
	}
}
