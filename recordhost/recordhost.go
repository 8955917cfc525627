// Package recordhost registers the record-time host-call surface: the
// two FFI callbacks a traced guest module invokes to report memory
// accesses and import calls (spec.md §4.2).
package recordhost

import (
	"context"
	"log"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/hostabi"
	"github.com/arjunr2/wasm-r3/sink"
	"github.com/arjunr2/wasm-r3/trace"
)

// ModuleName is the host module namespace the traced guest imports from.
const ModuleName = "r3_record"

// Host binds the record-time callbacks to a single sink and thread
// registry, shared across every guest module instance in the run.
type Host struct {
	Sink *sink.Sink
	Reg  *hostabi.Registry

	// Verbose enables per-op debug logging; off by default since a busy
	// guest can emit millions of these.
	Verbose bool
}

// Instantiate registers the host module against rt so a traced guest can
// import wasm_memop_tracedump and wasm_call_tracedump from ModuleName.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().
		WithFunc(h.memopTracedump).
		Export("wasm_memop_tracedump").
		NewFunctionBuilder().
		WithFunc(h.callTracedump).
		Export("wasm_call_tracedump").
		Instantiate(ctx)
	return err
}

func (h *Host) debugf(format string, args ...any) {
	if h.Verbose {
		log.Printf(format, args...)
	}
}

// memopTracedump implements wasm_memop_tracedump: synchronization
// accesses are always recorded as SyncAccess; plain accesses are
// recorded as Access only when differ != 0.
func (h *Host) memopTracedump(_ context.Context, mod api.Module, differ, accessIdx, opcode, addr int32, size uint32, loadValue, expectedValue int64, isSyncOp int32) {
	tid := h.Reg.TID(mod)
	if addr == 0 {
		log.Printf("[%d | %#04x] access to address [%d::%d] may be invalid", accessIdx, opcode, addr, size)
	}

	switch {
	case isSyncOp != 0:
		op := trace.SyncAccess{
			TID: tid, AccessIdx: uint32(accessIdx), Opcode: opcode, Addr: addr,
			Size: size, LoadValue: loadValue, ExpectedValue: expectedValue, Differ: differ != 0,
		}
		h.debugf("[%d] [trace syncaccess] %s", tid, op)
		if err := h.Sink.Append(op); err != nil {
			log.Printf("sink append failed: %v", err)
		}
	case differ != 0:
		op := trace.Access{
			TID: tid, AccessIdx: uint32(accessIdx), Opcode: opcode, Addr: addr,
			Size: size, LoadValue: loadValue, ExpectedValue: expectedValue, Differ: true,
		}
		h.debugf("[%d] [trace access] %s", tid, op)
		if err := h.Sink.Append(op); err != nil {
			log.Printf("sink append failed: %v", err)
		}
	}
}

// callTracedump implements wasm_call_tracedump: every import call is
// recorded unconditionally, since its return value must be replayed
// regardless of whether it touched memory.
func (h *Host) callTracedump(_ context.Context, mod api.Module, accessIdx, opcode int32, funcIdx uint32, callIDTag uint32, returnVal, a1, a2, a3 int64) {
	tid := h.Reg.TID(mod)
	if opcode != 0x10 {
		log.Printf("[%d | %#04x] unexpected opcode on call callback", accessIdx, opcode)
	}

	id, err := callid.FromParts(callid.Tag(callIDTag), [3]int64{a1, a2, a3})
	if err != nil {
		log.Panicf("unknown call id tag %#x: %v", callIDTag, err)
	}

	op := trace.Call{
		TID: tid, AccessIdx: uint32(accessIdx), Opcode: opcode, FuncIdx: funcIdx,
		ReturnVal: returnVal, CallID: id,
	}
	h.debugf("[%d] [trace call] %s", tid, op)
	if err := h.Sink.Append(op); err != nil {
		log.Printf("sink append failed: %v", err)
	}
}
