// Package callid describes the closed set of host imports a traced guest
// can invoke, and the numeric wire tags used to carry them across the
// record/replay FFI boundary.
package callid

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Tag is the numeric discriminant carried across the language boundary and
// in the trace codec.
type Tag uint32

const (
	TagUnknown     Tag = 0
	TagMmap        Tag = 1
	TagWritev      Tag = 2
	TagThreadSpawn Tag = 3
	TagFutex       Tag = 4
	TagThreadExit  Tag = 5
	TagProcExit    Tag = 6
	TagGeneric     Tag = 0xFFFFFFFF
)

// FutexOp is the futex operation requested by a traced Futex call.
type FutexOp int32

const (
	FutexWait    FutexOp = 0
	FutexWake    FutexOp = 1
	FutexUnknown FutexOp = -1
)

// FutexOpFromI32 masks out FUTEX_PRIVATE (bit 7) and classifies the
// remaining opcode.
func FutexOpFromI32(op int32) FutexOp {
	switch op & 0x7f {
	case 0:
		return FutexWait
	case 1:
		return FutexWake
	default:
		return FutexUnknown
	}
}

func (f FutexOp) String() string {
	switch f {
	case FutexWait:
		return "Wait"
	case FutexWake:
		return "Wake"
	default:
		return "Unknown"
	}
}

// CallID is the tagged union of host imports a traced call can invoke. The
// zero value is Unknown.
type CallID struct {
	tag Tag

	Mmap        MmapArgs
	Writev      WritevArgs
	ThreadSpawn ThreadSpawnArgs
	Futex       FutexArgs
	ThreadExit  ExitArgs
	ProcExit    ExitArgs
}

type MmapArgs struct{ Grow uint32 }
type WritevArgs struct {
	FD     int32
	Iov    int32
	Iovcnt uint32
}
type ThreadSpawnArgs struct {
	FnPtr   int32
	ArgsPtr int32
}
type FutexArgs struct {
	Addr int32
	Op   FutexOp
	Val  uint32
}
type ExitArgs struct{ Status int32 }

// Tag reports the variant discriminant.
func (c CallID) Tag() Tag { return c.tag }

func Unknown() CallID { return CallID{tag: TagUnknown} }
func Generic() CallID { return CallID{tag: TagGeneric} }

func NewMmap(grow uint32) CallID {
	return CallID{tag: TagMmap, Mmap: MmapArgs{Grow: grow}}
}

func NewWritev(fd, iov int32, iovcnt uint32) CallID {
	return CallID{tag: TagWritev, Writev: WritevArgs{FD: fd, Iov: iov, Iovcnt: iovcnt}}
}

func NewThreadSpawn(fnPtr, argsPtr int32) CallID {
	return CallID{tag: TagThreadSpawn, ThreadSpawn: ThreadSpawnArgs{FnPtr: fnPtr, ArgsPtr: argsPtr}}
}

func NewFutex(addr int32, op FutexOp, val uint32) CallID {
	return CallID{tag: TagFutex, Futex: FutexArgs{Addr: addr, Op: op, Val: val}}
}

func NewThreadExit(status int32) CallID {
	return CallID{tag: TagThreadExit, ThreadExit: ExitArgs{Status: status}}
}

func NewProcExit(status int32) CallID {
	return CallID{tag: TagProcExit, ProcExit: ExitArgs{Status: status}}
}

// FromParts converts the instrumentation-level (tag, args) pair delivered
// across the FFI boundary into a CallID. It fails on a tag outside the
// closed set, per spec: an unknown CallID tag is fatal at the callback.
func FromParts(tag Tag, args [3]int64) (CallID, error) {
	switch tag {
	case TagUnknown:
		return Unknown(), nil
	case TagMmap:
		return NewMmap(uint32(args[0])), nil
	case TagWritev:
		return NewWritev(int32(args[0]), int32(args[1]), uint32(args[2])), nil
	case TagThreadSpawn:
		return NewThreadSpawn(int32(args[0]), int32(args[1])), nil
	case TagFutex:
		return NewFutex(int32(args[0]), FutexOpFromI32(int32(args[1])), uint32(args[2])), nil
	case TagThreadExit:
		return NewThreadExit(int32(args[0])), nil
	case TagProcExit:
		return NewProcExit(int32(args[0])), nil
	case TagGeneric:
		return Generic(), nil
	default:
		return CallID{}, fmt.Errorf("callid: unknown CallID tag %#x", uint32(tag))
	}
}

// ToParts is the inverse of FromParts: the numeric tag plus the
// arity-uniform 3-slot argument carrier used at the language boundary.
func (c CallID) ToParts() (Tag, [3]int64) {
	switch c.tag {
	case TagMmap:
		return TagMmap, [3]int64{int64(c.Mmap.Grow), 0, 0}
	case TagWritev:
		return TagWritev, [3]int64{int64(c.Writev.FD), int64(c.Writev.Iov), int64(c.Writev.Iovcnt)}
	case TagThreadSpawn:
		return TagThreadSpawn, [3]int64{int64(c.ThreadSpawn.FnPtr), int64(c.ThreadSpawn.ArgsPtr), 0}
	case TagFutex:
		return TagFutex, [3]int64{int64(c.Futex.Addr), int64(c.Futex.Op), int64(c.Futex.Val)}
	case TagThreadExit:
		return TagThreadExit, [3]int64{int64(c.ThreadExit.Status), 0, 0}
	case TagProcExit:
		return TagProcExit, [3]int64{int64(c.ProcExit.Status), 0, 0}
	case TagGeneric:
		return TagGeneric, [3]int64{0, 0, 0}
	default:
		return TagUnknown, [3]int64{0, 0, 0}
	}
}

// FlushesQueue reports whether a call of this kind can allocate or write to
// guest memory, and therefore must flush the replay-op constructor's
// pending-call queue before being enqueued itself (spec.md §4.4).
func (c CallID) FlushesQueue() bool {
	return c.tag == TagGeneric || c.tag == TagMmap
}

// wireCallID is the on-disk shape of a CallID: its numeric tag plus the
// variant's own named fields, per spec.md §4.1 ("CallID is serialized by
// its numeric tag and the variant's own fields, not by the 3-slot
// carrier"). Unused fields are omitted by cbor's omitempty.
type wireCallID struct {
	Tag    Tag      `cbor:"1,keyasint"`
	Grow   *uint32  `cbor:"2,keyasint,omitempty"`
	FD     *int32   `cbor:"3,keyasint,omitempty"`
	Iov    *int32   `cbor:"4,keyasint,omitempty"`
	Iovcnt *uint32  `cbor:"5,keyasint,omitempty"`
	FnPtr  *int32   `cbor:"6,keyasint,omitempty"`
	Args   *int32   `cbor:"7,keyasint,omitempty"`
	Addr   *int32   `cbor:"8,keyasint,omitempty"`
	FOp    *FutexOp `cbor:"9,keyasint,omitempty"`
	Val    *uint32  `cbor:"10,keyasint,omitempty"`
	Status *int32   `cbor:"11,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler so CallID can be embedded directly
// in trace ops without the caller threading the 3-slot FFI carrier through
// the wire format.
func (c CallID) MarshalCBOR() ([]byte, error) {
	w := wireCallID{Tag: c.tag}
	switch c.tag {
	case TagMmap:
		w.Grow = &c.Mmap.Grow
	case TagWritev:
		w.FD, w.Iov, w.Iovcnt = &c.Writev.FD, &c.Writev.Iov, &c.Writev.Iovcnt
	case TagThreadSpawn:
		w.FnPtr, w.Args = &c.ThreadSpawn.FnPtr, &c.ThreadSpawn.ArgsPtr
	case TagFutex:
		w.Addr, w.FOp, w.Val = &c.Futex.Addr, &c.Futex.Op, &c.Futex.Val
	case TagThreadExit:
		w.Status = &c.ThreadExit.Status
	case TagProcExit:
		w.Status = &c.ProcExit.Status
	}
	return cbor.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (c *CallID) UnmarshalCBOR(data []byte) error {
	var w wireCallID
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Tag {
	case TagUnknown:
		*c = Unknown()
	case TagMmap:
		*c = NewMmap(derefU32(w.Grow))
	case TagWritev:
		*c = NewWritev(derefI32(w.FD), derefI32(w.Iov), derefU32(w.Iovcnt))
	case TagThreadSpawn:
		*c = NewThreadSpawn(derefI32(w.FnPtr), derefI32(w.Args))
	case TagFutex:
		op := FutexUnknown
		if w.FOp != nil {
			op = *w.FOp
		}
		*c = NewFutex(derefI32(w.Addr), op, derefU32(w.Val))
	case TagThreadExit:
		*c = NewThreadExit(derefI32(w.Status))
	case TagProcExit:
		*c = NewProcExit(derefI32(w.Status))
	case TagGeneric:
		*c = Generic()
	default:
		return fmt.Errorf("callid: unknown CallID tag %#x", uint32(w.Tag))
	}
	return nil
}

func derefU32(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}

func derefI32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func (c CallID) String() string {
	switch c.tag {
	case TagUnknown:
		return "Unknown"
	case TagMmap:
		return fmt.Sprintf("Mmap{grow:%d}", c.Mmap.Grow)
	case TagWritev:
		return fmt.Sprintf("Writev{fd:%d,iov:%d,iovcnt:%d}", c.Writev.FD, c.Writev.Iov, c.Writev.Iovcnt)
	case TagThreadSpawn:
		return fmt.Sprintf("ThreadSpawn{fn:%d,args:%d}", c.ThreadSpawn.FnPtr, c.ThreadSpawn.ArgsPtr)
	case TagFutex:
		return fmt.Sprintf("Futex{addr:%d,op:%s,val:%d}", c.Futex.Addr, c.Futex.Op, c.Futex.Val)
	case TagThreadExit:
		return fmt.Sprintf("ThreadExit{status:%d}", c.ThreadExit.Status)
	case TagProcExit:
		return fmt.Sprintf("ProcExit{status:%d}", c.ProcExit.Status)
	case TagGeneric:
		return "Generic"
	default:
		return fmt.Sprintf("Invalid(%#x)", uint32(c.tag))
	}
}
