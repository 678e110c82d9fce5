package rdma

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
)

// DescriptorSize is the wire size of an encoded RemoteDescriptor.
const DescriptorSize = 12

// RemoteDescriptor identifies a peer memory region for one-sided access.
type RemoteDescriptor struct {
	Addr uint64
	RKey uint32
}

func (d RemoteDescriptor) String() string {
	return fmt.Sprintf("va=0x%x rkey=0x%x", d.Addr, d.RKey)
}

// Offset returns a descriptor for the address off bytes into the region.
func (d RemoteDescriptor) Offset(off uint64) RemoteDescriptor {
	return RemoteDescriptor{Addr: d.Addr + off, RKey: d.RKey}
}

// DescriptorOrder selects the byte layout of an encoded RemoteDescriptor.
type DescriptorOrder int

const (
	// OrderNetwork64 encodes the full 64-bit address and the key in network
	// byte order.
	OrderNetwork64 DescriptorOrder = iota
	// OrderLegacyHtonl reproduces peers that pass the address through a
	// 32-bit htonl and store it as a host-order 64-bit word. Only the low 32
	// bits of the address survive; the key is in network order.
	OrderLegacyHtonl
)

func (o DescriptorOrder) String() string {
	switch o {
	case OrderNetwork64:
		return "network64"
	case OrderLegacyHtonl:
		return "legacy-htonl"
	default:
		return fmt.Sprintf("descriptor_order(%d)", int(o))
	}
}

// ParseDescriptorOrder maps a configuration string onto a DescriptorOrder.
func ParseDescriptorOrder(s string) (DescriptorOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "network64", "network":
		return OrderNetwork64, nil
	case "legacy-htonl", "legacy", "htonl":
		return OrderLegacyHtonl, nil
	}
	return 0, fmt.Errorf("rdma: unknown descriptor order %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o DescriptorOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *DescriptorOrder) UnmarshalText(text []byte) error {
	v, err := ParseDescriptorOrder(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// EncodeDescriptor serialises d for use as connection private data.
func EncodeDescriptor(d RemoteDescriptor, order DescriptorOrder) ([]byte, error) {
	b := make([]byte, DescriptorSize)
	switch order {
	case OrderNetwork64:
		binary.BigEndian.PutUint64(b[0:8], d.Addr)
	case OrderLegacyHtonl:
		if d.Addr > 0xffffffff {
			return nil, fmt.Errorf("%w: va 0x%x", ErrDescriptorTruncated, d.Addr)
		}
		binary.LittleEndian.PutUint64(b[0:8], uint64(bits.ReverseBytes32(uint32(d.Addr))))
	default:
		return nil, fmt.Errorf("rdma: unknown descriptor order %d", int(order))
	}
	binary.BigEndian.PutUint32(b[8:12], d.RKey)
	return b, nil
}

// DecodeDescriptor parses private data produced by EncodeDescriptor. Only
// the first DescriptorSize bytes are significant; providers may pad the
// private data.
func DecodeDescriptor(b []byte, order DescriptorOrder) (RemoteDescriptor, error) {
	if len(b) < DescriptorSize {
		return RemoteDescriptor{}, fmt.Errorf("%w: got %d", ErrDescriptorLength, len(b))
	}
	var d RemoteDescriptor
	switch order {
	case OrderNetwork64:
		d.Addr = binary.BigEndian.Uint64(b[0:8])
	case OrderLegacyHtonl:
		d.Addr = uint64(bits.ReverseBytes32(uint32(binary.LittleEndian.Uint64(b[0:8]))))
	default:
		return RemoteDescriptor{}, fmt.Errorf("rdma: unknown descriptor order %d", int(order))
	}
	d.RKey = binary.BigEndian.Uint32(b[8:12])
	return d, nil
}
