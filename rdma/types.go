package rdma

import "github.com/rocketbitz/rdmacm-go/internal/driver"

// Access re-exports the memory registration access flags.
type Access = driver.Access

const (
	// AccessLocalWrite allows the adapter to write into the region.
	AccessLocalWrite = driver.AccessLocalWrite
	// AccessRemoteWrite allows peers to RDMA-write into the region.
	AccessRemoteWrite = driver.AccessRemoteWrite
	// AccessRemoteRead allows peers to RDMA-read from the region.
	AccessRemoteRead = driver.AccessRemoteRead
)

// EventType re-exports the connection-management event types.
type EventType = driver.EventType

const (
	EventAddrResolved    = driver.EventAddrResolved
	EventAddrError       = driver.EventAddrError
	EventRouteResolved   = driver.EventRouteResolved
	EventRouteError      = driver.EventRouteError
	EventConnectRequest  = driver.EventConnectRequest
	EventConnectResponse = driver.EventConnectResponse
	EventConnectError    = driver.EventConnectError
	EventUnreachable     = driver.EventUnreachable
	EventRejected        = driver.EventRejected
	EventEstablished     = driver.EventEstablished
	EventDisconnected    = driver.EventDisconnected
	EventDeviceRemoval   = driver.EventDeviceRemoval
	EventTimewaitExit    = driver.EventTimewaitExit
)

// ConnParam re-exports the connect/accept parameters.
type ConnParam = driver.ConnParam

// MaxPrivateData is the largest private data payload a connect or accept
// may carry.
const MaxPrivateData = driver.MaxPrivateData

// QPCap re-exports queue pair capacities.
type QPCap = driver.QPCap

// Opcode re-exports the send work request opcodes.
type Opcode = driver.Opcode

const (
	OpRDMAWrite = driver.OpRDMAWrite
	OpSend      = driver.OpSend
	OpRDMARead  = driver.OpRDMARead
)

// SendFlag re-exports the send work request flags.
type SendFlag = driver.SendFlag

const (
	// SendFence holds the request until prior RDMA reads and writes complete.
	SendFence = driver.SendFence
	// SendSignaled requests a completion entry for the request.
	SendSignaled  = driver.SendSignaled
	SendSolicited = driver.SendSolicited
	SendInline    = driver.SendInline
)

// SGE is a scatter/gather element.
type SGE = driver.SGE

// SendRequest is a send-queue work request.
type SendRequest = driver.SendWR

// RecvRequest is a receive-queue work request.
type RecvRequest = driver.RecvWR

// WorkCompletion is a completion queue entry.
type WorkCompletion = driver.WorkCompletion

// WCStatus re-exports work completion status codes.
type WCStatus = driver.WCStatus

const (
	WCSuccess             = driver.WCSuccess
	WCLocalLenErr         = driver.WCLocalLenErr
	WCLocalProtErr        = driver.WCLocalProtErr
	WCWRFlushErr          = driver.WCWRFlushErr
	WCRemoteAccessErr     = driver.WCRemoteAccessErr
	WCRemoteInvalidReqErr = driver.WCRemoteInvalidReqErr
	WCRetryExcErr         = driver.WCRetryExcErr
)

// WCOpcode re-exports work completion opcodes.
type WCOpcode = driver.WCOpcode

const (
	WCOpSend      = driver.WCOpSend
	WCOpRDMAWrite = driver.WCOpRDMAWrite
	WCOpRDMARead  = driver.WCOpRDMARead
	WCOpRecv      = driver.WCOpRecv
)
