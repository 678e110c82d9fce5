//go:build !cgo || !rdmacm

package capi

import (
	"fmt"

	"github.com/rocketbitz/rdmacm-go/internal/driver"
)

// Name is the provider name registered with the rdma package.
const Name = "verbs"

// Available reports whether the hardware provider was compiled in.
const Available = false

// Provider is unavailable without cgo and the rdmacm build tag.
type Provider struct{}

// New reports that the hardware provider was not compiled in.
func New() (*Provider, error) {
	return nil, fmt.Errorf("verbs provider requires cgo and the rdmacm build tag: %w", driver.ErrNotSupported)
}

// Name implements driver.Provider.
func (p *Provider) Name() string {
	return Name
}

// CreateEventChannel implements driver.Provider.
func (p *Provider) CreateEventChannel() (driver.EventChannel, error) {
	return nil, driver.ErrNotSupported
}
