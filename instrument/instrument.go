// Package instrument wraps the external C++ rewriter that turns a plain
// guest wasm module into a traced (record routine) or replaying (replay
// routine) one. The rewriter itself is out of scope; this package is
// only the FFI handoff described in spec.md §4.5/§6.
package instrument

/*
#cgo LDFLAGS: -lwasminstrument
#include <stdint.h>
#include <stdlib.h>

unsigned char *instrument_module_buffer(const char *inbuf, uint32_t insize,
	uint32_t *outsize, const char *routine,
	const void *args, uint32_t num_args,
	int64_t flags);

void destroy_file_buf(unsigned char *buf);
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Routine names the two instrumentation passes the rewriter supports.
type Routine string

const (
	RoutineRecord          Routine = "r3-record"
	RoutineReplayGenerator Routine = "r3-replay-generator"
)

// DebugFlag is set in the flags word passed to the replay generator to
// request the debug-only host-call surface (spec.md §4.6, SC_writev
// fd==1 path).
const DebugFlag int64 = 1

// Args selects the argument convention for a routine: the record routine
// takes a vector of C strings, the replay generator takes a raw pointer
// to a contiguous ReplayOpCFFI array plus its length.
type Args struct {
	Generic   []string
	AnonPtr   unsafe.Pointer
	AnonLen   uint32
	AnonFlags int64
}

// ErrInstrumentationFailed is returned when the rewriter produces no
// buffer, or a zero-sized one (spec.md §7, "Instrumentation failure").
var ErrInstrumentationFailed = fmt.Errorf("instrument: rewriter returned no output")

// Module invokes the external rewriter against contents using routine
// and args, returning the rewritten module bytes. The returned slice is
// a copy owned by the caller; the rewriter's own buffer is released
// before Module returns.
func Module(contents []byte, routine Routine, args Args) ([]byte, error) {
	cRoutine := C.CString(string(routine))
	defer C.free(unsafe.Pointer(cRoutine))

	var argsPtr unsafe.Pointer
	var argsLen uint32
	var flags int64

	var cStrings []*C.char
	if args.Generic != nil {
		cStrings = make([]*C.char, len(args.Generic))
		for i, s := range args.Generic {
			cStrings[i] = C.CString(s)
		}
		defer func() {
			for _, s := range cStrings {
				C.free(unsafe.Pointer(s))
			}
		}()
		if len(cStrings) > 0 {
			argsPtr = unsafe.Pointer(&cStrings[0])
		}
		argsLen = uint32(len(cStrings))
		flags = 0
	} else {
		argsPtr = args.AnonPtr
		argsLen = args.AnonLen
		flags = args.AnonFlags
	}

	var inPtr *C.char
	if len(contents) > 0 {
		inPtr = (*C.char)(unsafe.Pointer(&contents[0]))
	}

	var outsize C.uint32_t
	outbuf := C.instrument_module_buffer(
		inPtr, C.uint32_t(len(contents)),
		&outsize,
		cRoutine,
		argsPtr, C.uint32_t(argsLen),
		C.int64_t(flags),
	)
	if outbuf == nil || outsize == 0 {
		return nil, ErrInstrumentationFailed
	}
	defer C.destroy_file_buf(outbuf)

	out := C.GoBytes(unsafe.Pointer(outbuf), C.int(outsize))
	return out, nil
}
