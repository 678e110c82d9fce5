package soft

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

const (
	frameMagic      uint16 = 0x5243
	frameHeaderSize        = 32
	maxFramePayload        = 16 << 20
)

type frameType uint8

const (
	frameConnect frameType = iota + 1
	frameAccept
	frameReject
	frameRTU
	frameDisconnect
	frameSend
	frameWrite
	frameReadReq
	frameReadResp
	frameAck
)

func (t frameType) String() string {
	switch t {
	case frameConnect:
		return "connect"
	case frameAccept:
		return "accept"
	case frameReject:
		return "reject"
	case frameRTU:
		return "rtu"
	case frameDisconnect:
		return "disconnect"
	case frameSend:
		return "send"
	case frameWrite:
		return "write"
	case frameReadReq:
		return "read_req"
	case frameReadResp:
		return "read_resp"
	case frameAck:
		return "ack"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

var errBadFrame = errors.New("soft: malformed frame")

// frame is one message on the emulated link. Layout (big endian):
//
//	magic u16 | type u8 | status u8 | seq u32 | qpn u32 | rkey u32 |
//	addr u64 | length u32 | reserved u32 | payload[length]
type frame struct {
	typ     frameType
	status  driver.WCStatus
	seq     uint32
	qpn     uint32
	rkey    uint32
	addr    uint64
	length  uint32
	payload []byte
}

func (f *frame) marshalHeader(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], frameMagic)
	b[2] = byte(f.typ)
	b[3] = byte(f.status)
	binary.BigEndian.PutUint32(b[4:8], f.seq)
	binary.BigEndian.PutUint32(b[8:12], f.qpn)
	binary.BigEndian.PutUint32(b[12:16], f.rkey)
	binary.BigEndian.PutUint64(b[16:24], f.addr)
	binary.BigEndian.PutUint32(b[24:28], f.length)
	binary.BigEndian.PutUint32(b[28:32], uint32(len(f.payload)))
}

func (f *frame) unmarshalHeader(b []byte) (int, error) {
	if binary.BigEndian.Uint16(b[0:2]) != frameMagic {
		return 0, errBadFrame
	}
	f.typ = frameType(b[2])
	f.status = driver.WCStatus(b[3])
	f.seq = binary.BigEndian.Uint32(b[4:8])
	f.qpn = binary.BigEndian.Uint32(b[8:12])
	f.rkey = binary.BigEndian.Uint32(b[12:16])
	f.addr = binary.BigEndian.Uint64(b[16:24])
	f.length = binary.BigEndian.Uint32(b[24:28])
	n := binary.BigEndian.Uint32(b[28:32])
	if n > maxFramePayload {
		return 0, fmt.Errorf("%w: payload %d exceeds limit", errBadFrame, n)
	}
	return int(n), nil
}

// link is the TCP connection carrying CM and data frames for one identifier.
type link struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closeOnce sync.Once
}

func newLink(nc net.Conn) *link {
	return &link{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
}

func (l *link) writeFrame(f *frame) error {
	var hdr [frameHeaderSize]byte
	f.marshalHeader(hdr[:])
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := l.w.Write(f.payload); err != nil {
			return err
		}
	}
	return l.w.Flush()
}

func (l *link) readFrame() (*frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		return nil, err
	}
	f := &frame{}
	n, err := f.unmarshalHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(l.r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (l *link) close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.nc.Close()
	})
	return err
}
