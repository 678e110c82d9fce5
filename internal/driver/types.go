package driver

import "fmt"

// Access mirrors enum ibv_access_flags.
type Access uint32

const (
	AccessLocalWrite  Access = 1 << 0
	AccessRemoteWrite Access = 1 << 1
	AccessRemoteRead  Access = 1 << 2
)

// Has reports whether all bits of flag are set.
func (a Access) Has(flag Access) bool {
	return a&flag == flag
}

func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if a.Has(AccessLocalWrite) {
		add("local_write")
	}
	if a.Has(AccessRemoteWrite) {
		add("remote_write")
	}
	if a.Has(AccessRemoteRead) {
		add("remote_read")
	}
	if rest := a &^ (AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead); rest != 0 {
		add(fmt.Sprintf("0x%x", uint32(rest)))
	}
	return s
}

// EventType mirrors enum rdma_cm_event_type.
type EventType int

const (
	EventAddrResolved EventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectResponse
	EventConnectError
	EventUnreachable
	EventRejected
	EventEstablished
	EventDisconnected
	EventDeviceRemoval
	EventMulticastJoin
	EventMulticastError
	EventAddrChange
	EventTimewaitExit
)

var eventNames = [...]string{
	EventAddrResolved:    "ADDR_RESOLVED",
	EventAddrError:       "ADDR_ERROR",
	EventRouteResolved:   "ROUTE_RESOLVED",
	EventRouteError:      "ROUTE_ERROR",
	EventConnectRequest:  "CONNECT_REQUEST",
	EventConnectResponse: "CONNECT_RESPONSE",
	EventConnectError:    "CONNECT_ERROR",
	EventUnreachable:     "UNREACHABLE",
	EventRejected:        "REJECTED",
	EventEstablished:     "ESTABLISHED",
	EventDisconnected:    "DISCONNECTED",
	EventDeviceRemoval:   "DEVICE_REMOVAL",
	EventMulticastJoin:   "MULTICAST_JOIN",
	EventMulticastError:  "MULTICAST_ERROR",
	EventAddrChange:      "ADDR_CHANGE",
	EventTimewaitExit:    "TIMEWAIT_EXIT",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EVENT(%d)", int(t))
}

// ConnParam mirrors struct rdma_conn_param.
type ConnParam struct {
	PrivateData        []byte
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// MaxPrivateData is the largest private-data payload accepted on connect
// and accept for the TCP port space.
const MaxPrivateData = 196

// QPCap mirrors struct ibv_qp_cap.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr mirrors the subset of struct ibv_qp_init_attr used for RC
// queue pairs.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	Cap    QPCap
	SigAll bool
}

// Opcode mirrors enum ibv_wr_opcode.
type Opcode int

const (
	OpRDMAWrite Opcode = iota
	OpRDMAWriteWithImm
	OpSend
	OpSendWithImm
	OpRDMARead
)

func (o Opcode) String() string {
	switch o {
	case OpRDMAWrite:
		return "rdma_write"
	case OpRDMAWriteWithImm:
		return "rdma_write_imm"
	case OpSend:
		return "send"
	case OpSendWithImm:
		return "send_imm"
	case OpRDMARead:
		return "rdma_read"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// SendFlag mirrors enum ibv_send_flags.
type SendFlag uint32

const (
	SendFence     SendFlag = 1 << 0
	SendSignaled  SendFlag = 1 << 1
	SendSolicited SendFlag = 1 << 2
	SendInline    SendFlag = 1 << 3
)

// SGE mirrors struct ibv_sge.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send-queue work request.
type SendWR struct {
	ID         uint64
	Opcode     Opcode
	Flags      SendFlag
	SGL        []SGE
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32
}

// RecvWR is a receive-queue work request.
type RecvWR struct {
	ID  uint64
	SGL []SGE
}

// Length returns the total number of bytes covered by sgl.
func Length(sgl []SGE) uint64 {
	var total uint64
	for _, sge := range sgl {
		total += uint64(sge.Length)
	}
	return total
}

// WCStatus mirrors enum ibv_wc_status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocalRDDViolErr
	WCRemoteInvalidRDReqErr
	WCRemoteAbortErr
	WCInvalidEECNErr
	WCInvalidEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var statusNames = [...]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "work request flushed error",
	WCMWBindErr:             "memory window bind error",
	WCBadRespErr:            "bad response error",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request error",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRNRRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRDDViolErr:       "local RDD violation error",
	WCRemoteInvalidRDReqErr: "remote invalid RD request",
	WCRemoteAbortErr:        "aborted error",
	WCInvalidEECNErr:        "invalid EE context number",
	WCInvalidEECStateErr:    "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout error",
	WCGeneralErr:            "general error",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// WCOpcode mirrors enum ibv_wc_opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "send"
	case WCOpRDMAWrite:
		return "rdma_write"
	case WCOpRDMARead:
		return "rdma_read"
	case WCOpCompSwap:
		return "comp_swap"
	case WCOpFetchAdd:
		return "fetch_add"
	case WCOpBindMW:
		return "bind_mw"
	case WCOpRecv:
		return "recv"
	case WCOpRecvRDMAWithImm:
		return "recv_rdma_imm"
	default:
		return fmt.Sprintf("wc_opcode(%d)", int(o))
	}
}

// WorkCompletion mirrors the fields of struct ibv_wc consumed by callers.
type WorkCompletion struct {
	ID        uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	QPNum     uint32
	ImmData   uint32
}
