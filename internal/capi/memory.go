//go:build cgo && rdmacm

package capi

import "unsafe"

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

// AllocBytes allocates zeroed C-managed memory of the specified size. Memory
// registered with the adapter must not live on the Go heap.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return C.calloc(1, C.size_t(size))
}

// FreeBytes frees memory allocated via AllocBytes.
func FreeBytes(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	C.free(ptr)
}

// Memcpy copies length bytes from src to dst using C's memcpy.
func Memcpy(dst, src unsafe.Pointer, length uintptr) {
	if length == 0 || dst == nil || src == nil {
		return
	}
	C.memcpy(dst, src, C.size_t(length))
}
