// Package trace defines the trace model recorded during instrumented guest
// execution and its on-disk codec: a compact, self-describing binary
// encoding (CBOR) shared by the intermediate per-op stream written during
// recording and the final aggregated trace file.
package trace

import (
	"fmt"

	"github.com/arjunr2/wasm-r3/callid"
)

// Op is the common interface implemented by every trace operation variant.
type Op interface {
	fmt.Stringer
	isOp()
}

// Access is an ordinary (non-synchronization) load/store, recorded only
// when the observed value differs from the value the unmodified program
// would have produced.
type Access struct {
	TID           uint64
	AccessIdx     uint32
	Opcode        int32
	Addr          int32
	Size          uint32
	LoadValue     int64
	ExpectedValue int64
	Differ        bool
}

func (Access) isOp() {}

func (a Access) String() string {
	return fmt.Sprintf("%-8s [%6d::%6d | %#04x] addr=%d size=%d load=%#x expected=%#x differ=%v",
		"Access", a.TID, a.AccessIdx, a.Opcode, a.Addr, a.Size, a.LoadValue, a.ExpectedValue, a.Differ)
}

// SyncAccess is an atomic or otherwise synchronization-relevant memory
// operation. Unlike Access, it is always recorded, regardless of Differ.
type SyncAccess struct {
	TID           uint64
	AccessIdx     uint32
	Opcode        int32
	Addr          int32
	Size          uint32
	LoadValue     int64
	ExpectedValue int64
	Differ        bool
}

func (SyncAccess) isOp() {}

func (a SyncAccess) String() string {
	return fmt.Sprintf("%-8s [%6d::%6d | %#04x] addr=%d size=%d load=%#x expected=%#x differ=%v",
		"SyncAccess", a.TID, a.AccessIdx, a.Opcode, a.Addr, a.Size, a.LoadValue, a.ExpectedValue, a.Differ)
}

// Call is a direct call (wasm opcode 0x10) from the guest into a host
// import.
type Call struct {
	TID       uint64
	AccessIdx uint32
	Opcode    int32
	FuncIdx   uint32
	ReturnVal int64
	CallID    callid.CallID
}

func (Call) isOp() {}

func (c Call) String() string {
	return fmt.Sprintf("%-8s [%6d::%6d | %#04x] func=%d call=%v ret=%#x",
		"Call", c.TID, c.AccessIdx, c.Opcode, c.FuncIdx, c.CallID, c.ReturnVal)
}

// ContextSwitch records a host-scheduler handoff between guest threads. It
// is carried purely for trace-format completeness (original_source's
// common/src/trace.rs has this as a third TraceOp variant); the replay-op
// constructor neither flushes nor enqueues on it.
type ContextSwitch struct {
	AccessIdx uint32
	SrcTID    int32
	DstTID    int32
}

func (ContextSwitch) isOp() {}

func (c ContextSwitch) String() string {
	return fmt.Sprintf("%-8s [%6d | %d --> %d]", "CSwitch", c.AccessIdx, c.SrcTID, c.DstTID)
}
