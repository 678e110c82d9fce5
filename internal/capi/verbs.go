//go:build cgo && rdmacm

package capi

import (
	"context"
	"sync"
	"unsafe"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

/*
#cgo LDFLAGS: -libverbs
#include <errno.h>
#include <string.h>
#include <arpa/inet.h>
#include <infiniband/verbs.h>

#define GO_MAX_SGE 16
#define GO_MAX_POLL 16

typedef struct {
	uint64_t addr;
	uint32_t length;
	uint32_t lkey;
} go_sge;

typedef struct {
	uint64_t wr_id;
	int status;
	int opcode;
	uint32_t vendor_err;
	uint32_t byte_len;
	uint32_t qp_num;
	uint32_t imm_data;
} go_wc;

static int fill_sgl(struct ibv_sge *out, const go_sge *in, int n) {
	int i;
	if (n > GO_MAX_SGE) {
		return -1;
	}
	for (i = 0; i < n; i++) {
		out[i].addr = in[i].addr;
		out[i].length = in[i].length;
		out[i].lkey = in[i].lkey;
	}
	return 0;
}

static int post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
		const go_sge *sgl, int nsge, uint64_t raddr, uint32_t rkey, uint32_t imm) {
	struct ibv_sge sge[GO_MAX_SGE];
	struct ibv_send_wr wr, *bad = NULL;
	if (fill_sgl(sge, sgl, nsge) != 0) {
		return EINVAL;
	}
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.sg_list = sge;
	wr.num_sge = nsge;
	wr.imm_data = htonl(imm);
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;
	return ibv_post_send(qp, &wr, &bad);
}

static int post_recv(struct ibv_qp *qp, uint64_t wr_id, const go_sge *sgl, int nsge) {
	struct ibv_sge sge[GO_MAX_SGE];
	struct ibv_recv_wr wr, *bad = NULL;
	if (fill_sgl(sge, sgl, nsge) != 0) {
		return EINVAL;
	}
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = sge;
	wr.num_sge = nsge;
	return ibv_post_recv(qp, &wr, &bad);
}

static int poll_cq(struct ibv_cq *cq, int n, go_wc *out) {
	struct ibv_wc wc[GO_MAX_POLL];
	int i, got;
	if (n > GO_MAX_POLL) {
		n = GO_MAX_POLL;
	}
	got = ibv_poll_cq(cq, n, wc);
	for (i = 0; i < got; i++) {
		out[i].wr_id = wc[i].wr_id;
		out[i].status = wc[i].status;
		out[i].opcode = wc[i].opcode;
		out[i].vendor_err = wc[i].vendor_err;
		out[i].byte_len = wc[i].byte_len;
		out[i].qp_num = wc[i].qp_num;
		out[i].imm_data = ntohl(wc[i].imm_data);
	}
	return got;
}

static struct ibv_mr *reg_mr(struct ibv_pd *pd, void *addr, size_t length, int access) {
	return ibv_reg_mr(pd, addr, length, access);
}

static int req_notify(struct ibv_cq *cq, int solicited_only) {
	return ibv_req_notify_cq(cq, solicited_only);
}
*/
import "C"

type device struct {
	ctx *C.struct_ibv_context
}

func (d *device) Name() string {
	if d.ctx == nil || d.ctx.device == nil {
		return ""
	}
	return C.GoString(C.ibv_get_device_name(d.ctx.device))
}

func (d *device) AllocPD() (driver.PD, error) {
	ptr, errno := C.ibv_alloc_pd(d.ctx)
	if ptr == nil {
		return nil, ErrorFromStatus(-1, errno, "ibv_alloc_pd")
	}
	return &pd{ptr: ptr}, nil
}

func (d *device) CreateCompChannel() (driver.CompChannel, error) {
	ptr, errno := C.ibv_create_comp_channel(d.ctx)
	if ptr == nil {
		return nil, ErrorFromStatus(-1, errno, "ibv_create_comp_channel")
	}
	fd := int(ptr.fd)
	if err := SetNonblock(fd); err != nil {
		C.ibv_destroy_comp_channel(ptr)
		return nil, err
	}
	return &compChannel{ptr: ptr, fd: fd, cqs: make(map[*C.struct_ibv_cq]*cq)}, nil
}

func (d *device) CreateCQ(depth int, channel driver.CompChannel) (driver.CQ, error) {
	if depth <= 0 {
		return nil, ErrInvalid.WithOp("ibv_create_cq")
	}
	var (
		chPtr *C.struct_ibv_comp_channel
		ch    *compChannel
	)
	if channel != nil {
		c, ok := channel.(*compChannel)
		if !ok || c.ptr == nil {
			return nil, ErrInvalid.WithOp("ibv_create_cq")
		}
		ch = c
		chPtr = c.ptr
	}
	ptr, errno := C.ibv_create_cq(d.ctx, C.int(depth), nil, chPtr, 0)
	if ptr == nil {
		return nil, ErrorFromStatus(-1, errno, "ibv_create_cq")
	}
	q := &cq{ptr: ptr, depth: depth, ch: ch}
	if ch != nil {
		ch.add(q)
	}
	return q, nil
}

type pd struct {
	ptr *C.struct_ibv_pd
}

func (p *pd) RegMR(buf []byte, access driver.Access) (driver.MR, error) {
	if p.ptr == nil {
		return nil, ErrBadFD.WithOp("ibv_reg_mr")
	}
	if len(buf) == 0 {
		return nil, ErrInvalid.WithOp("ibv_reg_mr")
	}
	mem := AllocBytes(uintptr(len(buf)))
	if mem == nil {
		return nil, ErrNoMemory.WithOp("ibv_reg_mr")
	}
	Memcpy(mem, unsafe.Pointer(&buf[0]), uintptr(len(buf)))

	ptr, errno := C.reg_mr(p.ptr, mem, C.size_t(len(buf)), C.int(access))
	if ptr == nil {
		FreeBytes(mem)
		return nil, ErrorFromStatus(-1, errno, "ibv_reg_mr")
	}
	return &mr{ptr: ptr, mem: mem, length: len(buf), access: access}, nil
}

func (p *pd) Dealloc() error {
	if p.ptr == nil {
		return nil
	}
	status, errno := C.ibv_dealloc_pd(p.ptr)
	if err := ErrorFromStatus(int(status), errno, "ibv_dealloc_pd"); err != nil {
		return err
	}
	p.ptr = nil
	return nil
}

type mr struct {
	ptr    *C.struct_ibv_mr
	mem    unsafe.Pointer
	length int
	access driver.Access
}

func (m *mr) Addr() uint64          { return uint64(uintptr(m.mem)) }
func (m *mr) Len() int              { return m.length }
func (m *mr) LKey() uint32          { return uint32(m.ptr.lkey) }
func (m *mr) RKey() uint32          { return uint32(m.ptr.rkey) }
func (m *mr) Access() driver.Access { return m.access }

func (m *mr) Bytes() []byte {
	if m.mem == nil {
		return nil
	}
	return unsafe.Slice((*byte)(m.mem), m.length)
}

func (m *mr) Dereg() error {
	if m.ptr == nil {
		return nil
	}
	status, errno := C.ibv_dereg_mr(m.ptr)
	if err := ErrorFromStatus(int(status), errno, "ibv_dereg_mr"); err != nil {
		return err
	}
	m.ptr = nil
	FreeBytes(m.mem)
	m.mem = nil
	return nil
}

type compChannel struct {
	ptr *C.struct_ibv_comp_channel
	fd  int

	mu  sync.Mutex
	cqs map[*C.struct_ibv_cq]*cq
}

func (c *compChannel) add(q *cq) {
	c.mu.Lock()
	c.cqs[q.ptr] = q
	c.mu.Unlock()
}

func (c *compChannel) remove(q *cq) {
	c.mu.Lock()
	delete(c.cqs, q.ptr)
	c.mu.Unlock()
}

func (c *compChannel) GetCQEvent(ctx context.Context) (driver.CQ, error) {
	if c.ptr == nil {
		return nil, ErrBadFD.WithOp("ibv_get_cq_event")
	}
	var (
		cqPtr *C.struct_ibv_cq
		cqCtx unsafe.Pointer
	)
	err := retryAgain(ctx, c.fd, func() error {
		status, errno := C.ibv_get_cq_event(c.ptr, &cqPtr, &cqCtx)
		return ErrorFromStatus(int(status), errno, "ibv_get_cq_event")
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	q, ok := c.cqs[cqPtr]
	c.mu.Unlock()
	if !ok {
		C.ibv_ack_cq_events(cqPtr, 1)
		return nil, ErrInvalid.WithOp("ibv_get_cq_event")
	}
	return q, nil
}

func (c *compChannel) Destroy() error {
	if c.ptr == nil {
		return nil
	}
	status, errno := C.ibv_destroy_comp_channel(c.ptr)
	if err := ErrorFromStatus(int(status), errno, "ibv_destroy_comp_channel"); err != nil {
		return err
	}
	c.ptr = nil
	return nil
}

type cq struct {
	ptr   *C.struct_ibv_cq
	depth int
	ch    *compChannel
}

func (q *cq) ReqNotify(solicitedOnly bool) error {
	var flag C.int
	if solicitedOnly {
		flag = 1
	}
	return ErrorFromStatus(int(C.req_notify(q.ptr, flag)), nil, "ibv_req_notify_cq")
}

func (q *cq) Poll(wc []driver.WorkCompletion) (int, error) {
	if len(wc) == 0 {
		return 0, nil
	}
	var out [C.GO_MAX_POLL]C.go_wc
	n := len(wc)
	if n > len(out) {
		n = len(out)
	}
	got := int(C.poll_cq(q.ptr, C.int(n), &out[0]))
	if got < 0 {
		return 0, ErrorFromStatus(got, nil, "ibv_poll_cq")
	}
	for i := 0; i < got; i++ {
		wc[i] = driver.WorkCompletion{
			ID:        uint64(out[i].wr_id),
			Status:    driver.WCStatus(out[i].status),
			Opcode:    driver.WCOpcode(out[i].opcode),
			VendorErr: uint32(out[i].vendor_err),
			ByteLen:   uint32(out[i].byte_len),
			QPNum:     uint32(out[i].qp_num),
			ImmData:   uint32(out[i].imm_data),
		}
	}
	return got, nil
}

func (q *cq) AckEvents(n int) {
	if n <= 0 {
		return
	}
	C.ibv_ack_cq_events(q.ptr, C.uint(n))
}

func (q *cq) Depth() int { return q.depth }

func (q *cq) Destroy() error {
	if q.ptr == nil {
		return nil
	}
	status, errno := C.ibv_destroy_cq(q.ptr)
	if err := ErrorFromStatus(int(status), errno, "ibv_destroy_cq"); err != nil {
		return err
	}
	if q.ch != nil {
		q.ch.remove(q)
	}
	q.ptr = nil
	return nil
}

type qp struct {
	ptr *C.struct_ibv_qp
}

func (q *qp) Num() uint32 { return uint32(q.ptr.qp_num) }

func toSGL(sgl []driver.SGE) []C.go_sge {
	out := make([]C.go_sge, len(sgl))
	for i, s := range sgl {
		out[i] = C.go_sge{addr: C.uint64_t(s.Addr), length: C.uint32_t(s.Length), lkey: C.uint32_t(s.LKey)}
	}
	return out
}

func (q *qp) PostSend(wr *driver.SendWR) error {
	if wr == nil || len(wr.SGL) == 0 {
		return ErrInvalid.WithOp("ibv_post_send")
	}
	sgl := toSGL(wr.SGL)
	status := C.post_send(q.ptr, C.uint64_t(wr.ID), C.int(wr.Opcode), C.int(wr.Flags),
		&sgl[0], C.int(len(sgl)), C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData))
	return ErrorFromStatus(int(status), nil, "ibv_post_send")
}

func (q *qp) PostRecv(wr *driver.RecvWR) error {
	if wr == nil || len(wr.SGL) == 0 {
		return ErrInvalid.WithOp("ibv_post_recv")
	}
	sgl := toSGL(wr.SGL)
	status := C.post_recv(q.ptr, C.uint64_t(wr.ID), &sgl[0], C.int(len(sgl)))
	return ErrorFromStatus(int(status), nil, "ibv_post_recv")
}
