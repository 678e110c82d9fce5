//go:build cgo && rdmacm

package capi

import (
	"context"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

/*
#cgo LDFLAGS: -lrdmacm -libverbs
#include <string.h>
#include <arpa/inet.h>
#include <netinet/in.h>
#include <rdma/rdma_cma.h>

static void fill_ipv4(struct sockaddr_in *sin, uint32_t ip, uint16_t port) {
	memset(sin, 0, sizeof(*sin));
	sin->sin_family = AF_INET;
	sin->sin_addr.s_addr = htonl(ip);
	sin->sin_port = htons(port);
}

static int bind_ipv4(struct rdma_cm_id *id, uint32_t ip, uint16_t port) {
	struct sockaddr_in sin;
	fill_ipv4(&sin, ip, port);
	return rdma_bind_addr(id, (struct sockaddr *)&sin);
}

static int resolve_ipv4(struct rdma_cm_id *id, int has_src, uint32_t src_ip, uint16_t src_port,
		uint32_t dst_ip, uint16_t dst_port, int timeout_ms) {
	struct sockaddr_in src, dst;
	fill_ipv4(&dst, dst_ip, dst_port);
	if (!has_src) {
		return rdma_resolve_addr(id, NULL, (struct sockaddr *)&dst, timeout_ms);
	}
	fill_ipv4(&src, src_ip, src_port);
	return rdma_resolve_addr(id, (struct sockaddr *)&src, (struct sockaddr *)&dst, timeout_ms);
}

static void fill_conn_param(struct rdma_conn_param *p, const void *pdata, uint8_t plen,
		uint8_t resp, uint8_t init, uint8_t retry, uint8_t rnr) {
	memset(p, 0, sizeof(*p));
	p->private_data = pdata;
	p->private_data_len = plen;
	p->responder_resources = resp;
	p->initiator_depth = init;
	p->retry_count = retry;
	p->rnr_retry_count = rnr;
}

static int connect_id(struct rdma_cm_id *id, const void *pdata, uint8_t plen,
		uint8_t resp, uint8_t init, uint8_t retry, uint8_t rnr) {
	struct rdma_conn_param p;
	fill_conn_param(&p, pdata, plen, resp, init, retry, rnr);
	return rdma_connect(id, &p);
}

static int accept_id(struct rdma_cm_id *id, const void *pdata, uint8_t plen,
		uint8_t resp, uint8_t init, uint8_t retry, uint8_t rnr) {
	struct rdma_conn_param p;
	fill_conn_param(&p, pdata, plen, resp, init, retry, rnr);
	return rdma_accept(id, &p);
}

static const void *event_pdata(struct rdma_cm_event *ev, uint8_t *len) {
	*len = ev->param.conn.private_data_len;
	return ev->param.conn.private_data;
}

static int sockaddr_ipv4(struct sockaddr *sa, uint32_t *ip, uint16_t *port) {
	struct sockaddr_in *sin;
	if (sa == NULL || sa->sa_family != AF_INET) {
		return -1;
	}
	sin = (struct sockaddr_in *)sa;
	*ip = ntohl(sin->sin_addr.s_addr);
	*port = ntohs(sin->sin_port);
	return 0;
}
*/
import "C"

type eventChannel struct {
	ptr *C.struct_rdma_event_channel
	fd  int

	mu  sync.Mutex
	ids map[*C.struct_rdma_cm_id]*cmID
}

func newEventChannel() (*eventChannel, error) {
	ptr, err := C.rdma_create_event_channel()
	if ptr == nil {
		return nil, ErrorFromStatus(-1, err, "rdma_create_event_channel")
	}
	fd := int(ptr.fd)
	if err := SetNonblock(fd); err != nil {
		C.rdma_destroy_event_channel(ptr)
		return nil, err
	}
	return &eventChannel{ptr: ptr, fd: fd, ids: make(map[*C.struct_rdma_cm_id]*cmID)}, nil
}

func (c *eventChannel) CreateID() (driver.CMID, error) {
	if c == nil || c.ptr == nil {
		return nil, driver.ErrClosed
	}
	var ptr *C.struct_rdma_cm_id
	status, err := C.rdma_create_id(c.ptr, &ptr, nil, C.RDMA_PS_TCP)
	if e := ErrorFromStatus(int(status), err, "rdma_create_id"); e != nil {
		return nil, e
	}
	return c.track(ptr), nil
}

func (c *eventChannel) track(ptr *C.struct_rdma_cm_id) *cmID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[ptr]; ok {
		return id
	}
	id := &cmID{ptr: ptr, ch: c}
	c.ids[ptr] = id
	return id
}

func (c *eventChannel) forget(ptr *C.struct_rdma_cm_id) {
	c.mu.Lock()
	delete(c.ids, ptr)
	c.mu.Unlock()
}

func (c *eventChannel) GetEvent(ctx context.Context) (driver.Event, error) {
	if c == nil || c.ptr == nil {
		return nil, driver.ErrClosed
	}
	var ev *C.struct_rdma_cm_event
	err := retryAgain(ctx, c.fd, func() error {
		status, errno := C.rdma_get_cm_event(c.ptr, &ev)
		return ErrorFromStatus(int(status), errno, "rdma_get_cm_event")
	})
	if err != nil {
		return nil, err
	}

	out := &event{ptr: ev, typ: driver.EventType(ev.event), status: int(ev.status)}
	if ev.id != nil {
		out.id = c.track(ev.id)
	}
	if ev.listen_id != nil {
		out.listen = c.track(ev.listen_id)
	}
	var plen C.uint8_t
	if pdata := C.event_pdata(ev, &plen); pdata != nil && plen > 0 {
		out.pdata = C.GoBytes(pdata, C.int(plen))
	}
	return out, nil
}

func (c *eventChannel) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	c.mu.Lock()
	live := len(c.ids)
	c.mu.Unlock()
	if live > 0 {
		return ErrBusy.WithOp("rdma_destroy_event_channel")
	}
	C.rdma_destroy_event_channel(c.ptr)
	c.ptr = nil
	return nil
}

type event struct {
	ptr    *C.struct_rdma_cm_event
	typ    driver.EventType
	id     *cmID
	listen *cmID
	status int
	pdata  []byte
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
	if e.ptr == nil {
		return ErrInvalid.WithOp("rdma_ack_cm_event")
	}
	status, err := C.rdma_ack_cm_event(e.ptr)
	e.ptr = nil
	return ErrorFromStatus(int(status), err, "rdma_ack_cm_event")
}

type cmID struct {
	ptr *C.struct_rdma_cm_id
	ch  *eventChannel
	dev *device
}

func ipv4(addr *net.TCPAddr) (C.uint32_t, C.uint16_t, error) {
	if addr == nil {
		return 0, 0, ErrInvalid
	}
	ip := addr.IP.To4()
	if ip == nil {
		if len(addr.IP) != 0 {
			return 0, 0, ErrNotSupp
		}
		ip = net.IPv4zero.To4()
	}
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	return C.uint32_t(v), C.uint16_t(addr.Port), nil
}

func timeoutMillis(d time.Duration) C.int {
	if d <= 0 {
		d = 5 * time.Second
	}
	return C.int(d / time.Millisecond)
}

func (id *cmID) BindAddr(addr *net.TCPAddr) error {
	ip, port, err := ipv4(addr)
	if err != nil {
		return err
	}
	status, errno := C.bind_ipv4(id.ptr, ip, port)
	return ErrorFromStatus(int(status), errno, "rdma_bind_addr")
}

func (id *cmID) ResolveAddr(src, dst *net.TCPAddr, timeout time.Duration) error {
	dip, dport, err := ipv4(dst)
	if err != nil {
		return err
	}
	var (
		hasSrc C.int
		sip    C.uint32_t
		sport  C.uint16_t
	)
	if src != nil {
		if sip, sport, err = ipv4(src); err != nil {
			return err
		}
		hasSrc = 1
	}
	status, errno := C.resolve_ipv4(id.ptr, hasSrc, sip, sport, dip, dport, timeoutMillis(timeout))
	return ErrorFromStatus(int(status), errno, "rdma_resolve_addr")
}

func (id *cmID) ResolveRoute(timeout time.Duration) error {
	status, errno := C.rdma_resolve_route(id.ptr, timeoutMillis(timeout))
	return ErrorFromStatus(int(status), errno, "rdma_resolve_route")
}

func (id *cmID) Listen(backlog int) error {
	status, errno := C.rdma_listen(id.ptr, C.int(backlog))
	return ErrorFromStatus(int(status), errno, "rdma_listen")
}

func pdataArgs(param *driver.ConnParam) (unsafe.Pointer, C.uint8_t, error) {
	if param == nil || len(param.PrivateData) == 0 {
		return nil, 0, nil
	}
	if len(param.PrivateData) > driver.MaxPrivateData {
		return nil, 0, ErrInvalid
	}
	return unsafe.Pointer(&param.PrivateData[0]), C.uint8_t(len(param.PrivateData)), nil
}

func (id *cmID) Connect(param *driver.ConnParam) error {
	pdata, plen, err := pdataArgs(param)
	if err != nil {
		return err.(Errno).WithOp("rdma_connect")
	}
	if param == nil {
		param = &driver.ConnParam{}
	}
	status, errno := C.connect_id(id.ptr, pdata, plen,
		C.uint8_t(param.ResponderResources), C.uint8_t(param.InitiatorDepth),
		C.uint8_t(param.RetryCount), C.uint8_t(param.RNRRetryCount))
	return ErrorFromStatus(int(status), errno, "rdma_connect")
}

func (id *cmID) Accept(param *driver.ConnParam) error {
	pdata, plen, err := pdataArgs(param)
	if err != nil {
		return err.(Errno).WithOp("rdma_accept")
	}
	if param == nil {
		param = &driver.ConnParam{}
	}
	status, errno := C.accept_id(id.ptr, pdata, plen,
		C.uint8_t(param.ResponderResources), C.uint8_t(param.InitiatorDepth),
		C.uint8_t(param.RetryCount), C.uint8_t(param.RNRRetryCount))
	return ErrorFromStatus(int(status), errno, "rdma_accept")
}

func (id *cmID) Reject(privateData []byte) error {
	if len(privateData) > driver.MaxPrivateData {
		return ErrInvalid.WithOp("rdma_reject")
	}
	var ptr unsafe.Pointer
	if len(privateData) > 0 {
		ptr = unsafe.Pointer(&privateData[0])
	}
	status, errno := C.rdma_reject(id.ptr, ptr, C.uint8_t(len(privateData)))
	return ErrorFromStatus(int(status), errno, "rdma_reject")
}

func (id *cmID) Disconnect() error {
	status, errno := C.rdma_disconnect(id.ptr)
	return ErrorFromStatus(int(status), errno, "rdma_disconnect")
}

func (id *cmID) Device() (driver.Device, error) {
	if id.ptr == nil || id.ptr.verbs == nil {
		return nil, ErrNoDevice.WithOp("rdma_cm_id.verbs")
	}
	if id.dev == nil || id.dev.ctx != id.ptr.verbs {
		id.dev = &device{ctx: id.ptr.verbs}
	}
	return id.dev, nil
}

func (id *cmID) CreateQP(pdIface driver.PD, attr *driver.QPInitAttr) (driver.QP, error) {
	p, ok := pdIface.(*pd)
	if !ok || p.ptr == nil || attr == nil {
		return nil, ErrInvalid.WithOp("rdma_create_qp")
	}
	sendCQ, ok := attr.SendCQ.(*cq)
	if !ok {
		return nil, ErrInvalid.WithOp("rdma_create_qp")
	}
	recvCQ, ok := attr.RecvCQ.(*cq)
	if !ok {
		return nil, ErrInvalid.WithOp("rdma_create_qp")
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = sendCQ.ptr
	init.recv_cq = recvCQ.ptr
	init.qp_type = C.IBV_QPT_RC
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)
	init.cap.max_inline_data = C.uint32_t(attr.Cap.MaxInlineData)
	if attr.SigAll {
		init.sq_sig_all = 1
	}
	status, errno := C.rdma_create_qp(id.ptr, p.ptr, &init)
	if err := ErrorFromStatus(int(status), errno, "rdma_create_qp"); err != nil {
		return nil, err
	}
	return &qp{ptr: id.ptr.qp}, nil
}

func (id *cmID) DestroyQP() error {
	if id.ptr == nil || id.ptr.qp == nil {
		return nil
	}
	C.rdma_destroy_qp(id.ptr)
	return nil
}

func sockaddrToTCP(sa *C.struct_sockaddr) net.Addr {
	var (
		ip   C.uint32_t
		port C.uint16_t
	)
	if C.sockaddr_ipv4(sa, &ip, &port) != 0 {
		return nil
	}
	v := uint32(ip)
	return &net.TCPAddr{IP: net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)), Port: int(port)}
}

func (id *cmID) LocalAddr() net.Addr {
	if id.ptr == nil {
		return nil
	}
	return sockaddrToTCP(C.rdma_get_local_addr(id.ptr))
}

func (id *cmID) RemoteAddr() net.Addr {
	if id.ptr == nil {
		return nil
	}
	return sockaddrToTCP(C.rdma_get_peer_addr(id.ptr))
}

func (id *cmID) Destroy() error {
	if id.ptr == nil {
		return nil
	}
	status, errno := C.rdma_destroy_id(id.ptr)
	if err := ErrorFromStatus(int(status), errno, "rdma_destroy_id"); err != nil {
		return err
	}
	id.ch.forget(id.ptr)
	id.ptr = nil
	return nil
}
