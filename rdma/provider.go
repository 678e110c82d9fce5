// Package rdma exposes the connection manager and verbs objects used by the
// session layer. Every wrapper is nil-safe: methods on a nil or closed
// wrapper return ErrInvalidHandle rather than panicking.
//
// Two providers are available. "soft" runs entirely in process and carries
// traffic over TCP; "verbs" binds librdmacm and libibverbs and is compiled
// only with cgo and the rdmacm build tag.
package rdma

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rocketbitz/rdmacm-go/internal/capi"
	"github.com/rocketbitz/rdmacm-go/internal/driver"
	"github.com/rocketbitz/rdmacm-go/internal/soft"
)

const (
	// ProviderSoft names the in-process software provider.
	ProviderSoft = soft.Name
	// ProviderVerbs names the librdmacm/libibverbs provider.
	ProviderVerbs = capi.Name
)

// Fabric lets several soft providers share logical addresses.
type Fabric = soft.Fabric

// SoftOption configures a soft provider.
type SoftOption = soft.Option

// SoftStats counts the live objects of a soft provider.
type SoftStats = soft.Stats

// NewFabric returns an empty fabric directory for soft providers.
func NewFabric() *Fabric {
	return soft.NewFabric()
}

// WithFabric attaches a soft provider to a shared fabric.
func WithFabric(f *Fabric) SoftOption {
	return soft.WithFabric(f)
}

// WithDeviceName overrides the soft device name.
func WithDeviceName(name string) SoftOption {
	return soft.WithDeviceName(name)
}

// WithEventFilter installs a hook that rewrites event types before delivery.
func WithEventFilter(fn func(EventType) EventType) SoftOption {
	return soft.WithEventFilter(fn)
}

// Provider selects the backend that implements connection management and
// verbs.
type Provider struct {
	impl driver.Provider
	soft *soft.Provider
}

// NewSoftProvider returns an in-process provider.
func NewSoftProvider(opts ...SoftOption) *Provider {
	p := soft.New(opts...)
	return &Provider{impl: p, soft: p}
}

// OpenProvider returns the provider registered under name.
func OpenProvider(name string) (*Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderSoft:
		return NewSoftProvider(), nil
	case ProviderVerbs:
		p, err := capi.New()
		if err != nil {
			return nil, err
		}
		return &Provider{impl: p}, nil
	}
	return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProvider, name, strings.Join(ProviderNames(), ", "))
}

// ProviderNames lists the providers compiled into this binary.
func ProviderNames() []string {
	names := []string{ProviderSoft}
	if capi.Available {
		names = append(names, ProviderVerbs)
	}
	sort.Strings(names)
	return names
}

// Name reports the provider name.
func (p *Provider) Name() string {
	if p == nil || p.impl == nil {
		return ""
	}
	return p.impl.Name()
}

// SoftStats returns live object counts when p is a soft provider.
func (p *Provider) SoftStats() (SoftStats, bool) {
	if p == nil || p.soft == nil {
		return SoftStats{}, false
	}
	return p.soft.Stats(), true
}

// CreateEventChannel opens a connection-management event channel.
func (p *Provider) CreateEventChannel() (*EventChannel, error) {
	if p == nil || p.impl == nil {
		return nil, ErrInvalidHandle{"provider"}
	}
	ch, err := p.impl.CreateEventChannel()
	if err != nil {
		return nil, err
	}
	return &EventChannel{handle: ch, ids: make(map[driver.CMID]*ID)}, nil
}
