//go:build unix

package rdma

import "github.com/rocketbitz/rdmacm-go/internal/capi"

// Errno re-exports the errno type reported by the verbs provider.
type Errno = capi.Errno
