// Package hostabi implements the address-translation and thread-identity
// boundary between a guest wasm module and the host: translating guest
// linear-memory addresses to native pointers, walking guest-encoded iovec
// arrays, and assigning stable per-thread ids (spec.md §4.3).
package hostabi

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sys/unix"
)

// Registry assigns guest thread ids in creation order: tid 0 is the first
// api.Module instance it sees (the start function), tid 1 the second
// (main), and so on, matching spec.md's "tid 0 = start function, tid 1 =
// main" contract.
//
// wazero has no direct equivalent of WAMR's per-exec-env unique id, so
// each guest thread is modeled as its own api.Module instance sharing the
// same linear memory (the standard wazero multithreading arrangement); the
// registry assigns tids the first time it observes a given instance.
type Registry struct {
	mu   sync.Mutex
	ids  map[api.Module]uint64
	next uint64
}

// NewRegistry returns an empty thread-id registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[api.Module]uint64)}
}

// TID returns the stable tid for mod, assigning the next one if this is
// the first time mod has been seen.
func (r *Registry) TID(mod api.Module) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[mod]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[mod] = id
	return id
}

// HostAddr translates a guest linear-memory address into a native pointer
// into the module's backing memory. A null guest address maps to a null
// host address, per spec.md §4.3.
func HostAddr(mod api.Module, wasmAddr uint32, size uint32) (unsafe.Pointer, bool) {
	if wasmAddr == 0 {
		return nil, true
	}
	buf, ok := mod.Memory().Read(wasmAddr, size)
	if !ok || len(buf) == 0 {
		return nil, false
	}
	return unsafe.Pointer(&buf[0]), true
}

// NativeIovecs walks an in-guest array of {base: u32, len: u32} pairs (the
// WALI iovec encoding) and produces native iovecs with translated bases.
// A null guest pointer yields an empty (not nil-erroring) result. Entries
// whose base is null or does not resolve into guest memory are skipped.
func NativeIovecs(mod api.Module, wasmIov uint32, iovcnt uint32) []unix.Iovec {
	out := make([]unix.Iovec, 0, iovcnt)
	if wasmIov == 0 {
		return out
	}
	buf, ok := mod.Memory().Read(wasmIov, iovcnt*8)
	if !ok {
		return out
	}
	for i := uint32(0); i < iovcnt; i++ {
		elem := buf[i*8 : i*8+8]
		base := binary.LittleEndian.Uint32(elem[0:4])
		length := binary.LittleEndian.Uint32(elem[4:8])
		ptr, ok := HostAddr(mod, base, length)
		if !ok || ptr == nil {
			continue
		}
		var iov unix.Iovec
		iov.SetLen(int(length))
		iov.Base = (*byte)(ptr)
		out = append(out, iov)
	}
	return out
}
