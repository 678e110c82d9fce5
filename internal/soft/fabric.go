package soft

import (
	"errors"
	"net"
	"strconv"
	"sync"
)

// ErrAddrInUse is returned when a listener binds a logical address that is
// already registered on the fabric.
var ErrAddrInUse = errors.New("soft: address already in use")

// Fabric is an in-process directory that maps the logical addresses used by
// the connection manager onto loopback TCP listeners. Providers sharing a
// Fabric can use arbitrary IPv4 addresses without binding them on the host.
// A Provider without a Fabric binds and dials the addresses directly.
type Fabric struct {
	mu    sync.Mutex
	addrs map[string]string
}

// NewFabric returns an empty fabric directory.
func NewFabric() *Fabric {
	return &Fabric{addrs: make(map[string]string)}
}

func (f *Fabric) bind(logical *net.TCPAddr, actual string) error {
	key := logical.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.addrs[key]; ok {
		return ErrAddrInUse
	}
	f.addrs[key] = actual
	return nil
}

func (f *Fabric) unbind(logical *net.TCPAddr) {
	f.mu.Lock()
	delete(f.addrs, logical.String())
	f.mu.Unlock()
}

func (f *Fabric) lookup(logical *net.TCPAddr) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if actual, ok := f.addrs[logical.String()]; ok {
		return actual, true
	}
	port := strconv.Itoa(logical.Port)
	for _, host := range []string{"0.0.0.0", "::"} {
		if actual, ok := f.addrs[net.JoinHostPort(host, port)]; ok {
			return actual, true
		}
	}
	if actual, ok := f.addrs[":"+port]; ok {
		return actual, true
	}
	return "", false
}
