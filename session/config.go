package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Role identifies which side of the handshake a connection plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Mode selects the service a responder exposes.
type Mode int

const (
	// ModeAdd receives two operands, one written remotely and one sent, and
	// replies with their sum.
	ModeAdd Mode = iota
	// ModeRead exposes a value for one-sided reads and writes.
	ModeRead
)

func (m Mode) String() string {
	switch m {
	case ModeAdd:
		return "add"
	case ModeRead:
		return "read"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "add":
		return ModeAdd, nil
	case "read":
		return ModeRead, nil
	}
	return 0, fmt.Errorf("rdma session: unknown mode %q", s)
}

// access returns the registration flags the responder region needs.
func (m Mode) access() rdma.Access {
	if m == ModeRead {
		return rdma.AccessLocalWrite | rdma.AccessRemoteRead | rdma.AccessRemoteWrite
	}
	return rdma.AccessLocalWrite | rdma.AccessRemoteWrite
}

// DefaultPort is the port the responder listens on.
const DefaultPort = 20079

// Config controls connection setup for both roles. Zero values are replaced
// with defaults when a connection is created.
type Config struct {
	// Provider defaults to an in-process soft provider.
	Provider *rdma.Provider

	ResolveTimeout time.Duration
	// ResolveAttempts bounds address and route resolution attempts. One
	// attempt means a resolve timeout is fatal.
	ResolveAttempts   int
	DisconnectTimeout time.Duration

	// CQDepth defaults to MaxSendWR+MaxRecvWR so a flushed queue pair never
	// overruns its completion queue.
	CQDepth int
	// Cap defaults to 2/1 work requests and 1/1 SGEs for initiators and
	// 10 of each for responders.
	Cap                rdma.QPCap
	InitiatorDepth     uint8
	RetryCount         uint8
	ResponderResources uint8
	Backlog            int

	DescriptorOrder rdma.DescriptorOrder

	// Mode, Access and Seed configure responders. Access overrides the
	// registration flags of the exposed region; Seed is the initial value a
	// ModeRead responder exposes.
	Mode   Mode
	Access rdma.Access
	Seed   uint32

	SessionID string

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (cfg *Config) applyDefaults(role Role) {
	if cfg.Provider == nil {
		cfg.Provider = rdma.NewSoftProvider()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = 1
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 5 * time.Second
	}
	if cfg.Cap == (rdma.QPCap{}) {
		switch role {
		case RoleResponder:
			cfg.Cap = rdma.QPCap{MaxSendWR: 10, MaxRecvWR: 10, MaxSendSGE: 10, MaxRecvSGE: 10}
		default:
			cfg.Cap = rdma.QPCap{MaxSendWR: 2, MaxRecvWR: 1, MaxSendSGE: 1, MaxRecvSGE: 1}
		}
	}
	if cfg.CQDepth <= 0 {
		cfg.CQDepth = int(cfg.Cap.MaxSendWR + cfg.Cap.MaxRecvWR)
	}
	if cfg.InitiatorDepth == 0 {
		cfg.InitiatorDepth = 1
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 7
	}
	if cfg.ResponderResources == 0 {
		cfg.ResponderResources = 1
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.StructuredLogger == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			cfg.StructuredLogger = logger
		}
	}
}
