// Package soft implements the RDMA provider interface in software. Verbs
// objects live in process memory and reliable-connected traffic is carried
// over TCP, so the connection manager and data path behave like a
// soft-RoCE device without requiring RDMA hardware.
package soft

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// Name is the provider name registered with the rdma package.
const Name = "soft"

// DefaultVABase is the first region address when Options.VABase is unset.
const DefaultVABase uint64 = 0x1000_0000

// Options configures a software provider.
type Options struct {
	// Fabric, when set, maps logical addresses onto loopback listeners.
	Fabric *Fabric
	// DeviceName is reported by Device.Name. Defaults to "soft0".
	DeviceName string
	// DialTimeout bounds the TCP connect issued by Connect. Defaults to 5s.
	DialTimeout time.Duration
	// EventFilter rewrites connection-management event types before they are
	// queued. It exists to exercise protocol-violation handling.
	EventFilter func(driver.EventType) driver.EventType
	// VABase is the first virtual address handed out to memory regions. The
	// default keeps addresses under 4 GiB so the legacy-htonl descriptor
	// order, which carries only 32 address bits, can encode them.
	VABase uint64
}

// Option mutates Options.
type Option func(*Options)

// WithFabric shares a fabric directory between providers.
func WithFabric(f *Fabric) Option {
	return func(o *Options) { o.Fabric = f }
}

// WithDeviceName overrides the device name.
func WithDeviceName(name string) Option {
	return func(o *Options) { o.DeviceName = name }
}

// WithDialTimeout overrides the connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithEventFilter installs an event type rewrite hook.
func WithEventFilter(fn func(driver.EventType) driver.EventType) Option {
	return func(o *Options) { o.EventFilter = fn }
}

// WithVABase sets the first virtual address used for memory regions.
func WithVABase(base uint64) Option {
	return func(o *Options) { o.VABase = base }
}

// Stats counts live objects created through a provider.
type Stats struct {
	EventChannels int64
	IDs           int64
	PDs           int64
	MRs           int64
	CompChannels  int64
	CQs           int64
	QPs           int64
	PendingEvents int64
}

// Leaked reports whether any object or unacknowledged event is still alive.
func (s Stats) Leaked() bool {
	return s != Stats{}
}

type counters struct {
	eventChannels atomic.Int64
	ids           atomic.Int64
	pds           atomic.Int64
	mrs           atomic.Int64
	compChannels  atomic.Int64
	cqs           atomic.Int64
	qps           atomic.Int64
	pending       atomic.Int64
}

var _ driver.Provider = (*Provider)(nil)

// Provider is a software RDMA provider with a single device.
type Provider struct {
	opts    Options
	dev     *device
	stats   counters
	nextQPN atomic.Uint32
}

// New constructs a software provider.
func New(opts ...Option) *Provider {
	o := Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.DeviceName == "" {
		o.DeviceName = "soft0"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.VABase == 0 {
		o.VABase = DefaultVABase
	}
	p := &Provider{opts: o}
	p.dev = newDevice(p, o.DeviceName, uuid.New(), o.VABase)
	p.nextQPN.Store(0x10)
	return p
}

// Name implements driver.Provider.
func (p *Provider) Name() string {
	return Name
}

// CreateEventChannel implements driver.Provider.
func (p *Provider) CreateEventChannel() (driver.EventChannel, error) {
	return newEventChannel(p), nil
}

// Stats returns a snapshot of live object counts.
func (p *Provider) Stats() Stats {
	return Stats{
		EventChannels: p.stats.eventChannels.Load(),
		IDs:           p.stats.ids.Load(),
		PDs:           p.stats.pds.Load(),
		MRs:           p.stats.mrs.Load(),
		CompChannels:  p.stats.compChannels.Load(),
		CQs:           p.stats.cqs.Load(),
		QPs:           p.stats.qps.Load(),
		PendingEvents: p.stats.pending.Load(),
	}
}

// GUID returns the device GUID.
func (p *Provider) GUID() uuid.UUID {
	return p.dev.guid
}

func (p *Provider) filter(t driver.EventType) driver.EventType {
	if p.opts.EventFilter == nil {
		return t
	}
	return p.opts.EventFilter(t)
}
