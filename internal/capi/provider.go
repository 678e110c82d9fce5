//go:build cgo && rdmacm

package capi

import "github.com/rocketbitz/rdmacm-go/internal/driver"

// Name is the provider name registered with the rdma package.
const Name = "verbs"

// Available reports whether the hardware provider was compiled in.
const Available = true

var _ driver.Provider = (*Provider)(nil)

// Provider drives librdmacm and libibverbs.
type Provider struct{}

// New returns the hardware provider.
func New() (*Provider, error) {
	return &Provider{}, nil
}

// Name implements driver.Provider.
func (p *Provider) Name() string {
	return Name
}

// CreateEventChannel implements driver.Provider.
func (p *Provider) CreateEventChannel() (driver.EventChannel, error) {
	return newEventChannel()
}
