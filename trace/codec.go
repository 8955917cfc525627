package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/fxamacker/cbor/v2"
)

// opKind is the tag-prefixed discriminant for the TraceOp union.
type opKind uint8

const (
	kindAccess opKind = iota + 1
	kindSyncAccess
	kindCall
	kindContextSwitch
)

// wireOp is the on-disk envelope for a single TraceOp: a tag plus exactly
// one populated payload. It is used both for the per-op intermediate
// stream (§4.2/§6) and for every element of a finalized TraceData.Trace.
type wireOp struct {
	Kind   opKind       `cbor:"1,keyasint"`
	Access *wireAccess  `cbor:"2,keyasint,omitempty"`
	Call   *wireCall    `cbor:"3,keyasint,omitempty"`
	CSwap  *wireCSwitch `cbor:"4,keyasint,omitempty"`
}

type wireAccess struct {
	TID           uint64 `cbor:"1,keyasint"`
	AccessIdx     uint32 `cbor:"2,keyasint"`
	Opcode        int32  `cbor:"3,keyasint"`
	Addr          int32  `cbor:"4,keyasint"`
	Size          uint32 `cbor:"5,keyasint"`
	LoadValue     int64  `cbor:"6,keyasint"`
	ExpectedValue int64  `cbor:"7,keyasint"`
	Differ        bool   `cbor:"8,keyasint"`
}

type wireCall struct {
	TID       uint64        `cbor:"1,keyasint"`
	AccessIdx uint32        `cbor:"2,keyasint"`
	Opcode    int32         `cbor:"3,keyasint"`
	FuncIdx   uint32        `cbor:"4,keyasint"`
	ReturnVal int64         `cbor:"5,keyasint"`
	CallID    callid.CallID `cbor:"6,keyasint"`
}

type wireCSwitch struct {
	AccessIdx uint32 `cbor:"1,keyasint"`
	SrcTID    int32  `cbor:"2,keyasint"`
	DstTID    int32  `cbor:"3,keyasint"`
}

func toWire(op Op) (wireOp, error) {
	switch v := op.(type) {
	case Access:
		return wireOp{Kind: kindAccess, Access: &wireAccess{
			TID: v.TID, AccessIdx: v.AccessIdx, Opcode: v.Opcode, Addr: v.Addr,
			Size: v.Size, LoadValue: v.LoadValue, ExpectedValue: v.ExpectedValue, Differ: v.Differ,
		}}, nil
	case SyncAccess:
		w := wireOp{Kind: kindSyncAccess, Access: &wireAccess{
			TID: v.TID, AccessIdx: v.AccessIdx, Opcode: v.Opcode, Addr: v.Addr,
			Size: v.Size, LoadValue: v.LoadValue, ExpectedValue: v.ExpectedValue, Differ: v.Differ,
		}}
		return w, nil
	case Call:
		return wireOp{Kind: kindCall, Call: &wireCall{
			TID: v.TID, AccessIdx: v.AccessIdx, Opcode: v.Opcode, FuncIdx: v.FuncIdx,
			ReturnVal: v.ReturnVal, CallID: v.CallID,
		}}, nil
	case ContextSwitch:
		return wireOp{Kind: kindContextSwitch, CSwap: &wireCSwitch{
			AccessIdx: v.AccessIdx, SrcTID: v.SrcTID, DstTID: v.DstTID,
		}}, nil
	default:
		return wireOp{}, fmt.Errorf("trace: unknown Op type %T", op)
	}
}

func fromWire(w wireOp) (Op, error) {
	switch w.Kind {
	case kindAccess:
		if w.Access == nil {
			return nil, errors.New("trace: Access envelope missing payload")
		}
		a := w.Access
		return Access{a.TID, a.AccessIdx, a.Opcode, a.Addr, a.Size, a.LoadValue, a.ExpectedValue, a.Differ}, nil
	case kindSyncAccess:
		if w.Access == nil {
			return nil, errors.New("trace: SyncAccess envelope missing payload")
		}
		a := w.Access
		return SyncAccess{a.TID, a.AccessIdx, a.Opcode, a.Addr, a.Size, a.LoadValue, a.ExpectedValue, a.Differ}, nil
	case kindCall:
		if w.Call == nil {
			return nil, errors.New("trace: Call envelope missing payload")
		}
		c := w.Call
		return Call{c.TID, c.AccessIdx, c.Opcode, c.FuncIdx, c.ReturnVal, c.CallID}, nil
	case kindContextSwitch:
		if w.CSwap == nil {
			return nil, errors.New("trace: ContextSwitch envelope missing payload")
		}
		s := w.CSwap
		return ContextSwitch{s.AccessIdx, s.SrcTID, s.DstTID}, nil
	default:
		return nil, fmt.Errorf("trace: unknown wire op kind %d", w.Kind)
	}
}

// EncodeOp appends the CBOR encoding of a single Op to w. Because CBOR
// items are self-delimiting, a sequence of EncodeOp calls against the same
// writer produces a stream that OpDecoder can read back one item at a
// time without any additional framing — this is the intermediate file
// format written by the record-side trace sink (spec.md §4.2, §6).
func EncodeOp(w io.Writer, op Op) error {
	wop, err := toWire(op)
	if err != nil {
		return err
	}
	enc := cbor.NewEncoder(w)
	return enc.Encode(wop)
}

// OpDecoder reads a stream of individually-encoded Ops, such as the
// intermediate trace-sink file.
type OpDecoder struct {
	dec *cbor.Decoder
}

// NewOpDecoder wraps r for sequential single-Op decoding.
func NewOpDecoder(r io.Reader) *OpDecoder {
	return &OpDecoder{dec: cbor.NewDecoder(r)}
}

// Next decodes the next Op from the stream. It returns io.EOF when the
// underlying reader is exhausted between items.
func (d *OpDecoder) Next() (Op, error) {
	var w wireOp
	if err := d.dec.Decode(&w); err != nil {
		return nil, err
	}
	return fromWire(w)
}

// Data pairs the recorded trace with the content digest of the
// unmodified guest module it was recorded against.
type Data struct {
	SHA256 string
	Trace  []Op
}

type wireData struct {
	SHA256 string   `cbor:"1,keyasint"`
	Trace  []wireOp `cbor:"2,keyasint"`
}

// ErrDigestMismatch is returned by Deserialize when an expected digest is
// supplied and does not match the trace's recorded sha256 (spec.md §7,
// "Digest mismatch").
var ErrDigestMismatch = errors.New("trace: sha256 digest mismatch")

// Serialize encodes the full trace as a single self-describing CBOR value.
func (d Data) Serialize() ([]byte, error) {
	wd := wireData{SHA256: d.SHA256, Trace: make([]wireOp, len(d.Trace))}
	for i, op := range d.Trace {
		w, err := toWire(op)
		if err != nil {
			return nil, err
		}
		wd.Trace[i] = w
	}
	return cbor.Marshal(wd)
}

// Deserialize decodes a full trace. If expectedSHA256 is non-nil, the
// decoded digest must match it exactly (byte-equal hex string), or
// ErrDigestMismatch is returned without constructing a usable result —
// this is the replay-build-time digest gate of spec.md §8 property 8.
func Deserialize(data []byte, expectedSHA256 *string) (Data, error) {
	var wd wireData
	if err := cbor.Unmarshal(data, &wd); err != nil {
		return Data{}, fmt.Errorf("trace: decode: %w", err)
	}
	if expectedSHA256 != nil && *expectedSHA256 != wd.SHA256 {
		return Data{}, fmt.Errorf("%w: trace has %q, expected %q", ErrDigestMismatch, wd.SHA256, *expectedSHA256)
	}
	out := Data{SHA256: wd.SHA256, Trace: make([]Op, len(wd.Trace))}
	for i, w := range wd.Trace {
		op, err := fromWire(w)
		if err != nil {
			return Data{}, err
		}
		out.Trace[i] = op
	}
	return out, nil
}

// Equal reports whether two traces carry the same digest and operation
// sequence, used by the sink's round-trip assertion and by tests.
func (d Data) Equal(o Data) bool {
	if d.SHA256 != o.SHA256 || len(d.Trace) != len(o.Trace) {
		return false
	}
	for i := range d.Trace {
		wa, err1 := toWire(d.Trace[i])
		wb, err2 := toWire(o.Trace[i])
		if err1 != nil || err2 != nil {
			return false
		}
		ba, _ := cbor.Marshal(wa)
		bb, _ := cbor.Marshal(wb)
		if !bytes.Equal(ba, bb) {
			return false
		}
	}
	return true
}
