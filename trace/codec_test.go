package trace

import (
	"bytes"
	"testing"

	"github.com/arjunr2/wasm-r3/callid"
)

func sampleTrace() Data {
	return Data{
		SHA256: "deadbeefcafefeedface0000111122223333444455556666777788889999aaaa",
		Trace: []Op{
			Call{TID: 1, AccessIdx: 10, Opcode: 0x10, FuncIdx: 3, ReturnVal: 0x1000, CallID: callid.NewMmap(4)},
			Access{TID: 1, AccessIdx: 11, Opcode: 0x28, Addr: 0x1000, Size: 4, LoadValue: 0xdead, Differ: true},
			SyncAccess{TID: 1, AccessIdx: 20, Opcode: 0xfe, Addr: 0x2000, Size: 8, Differ: false},
			ContextSwitch{AccessIdx: 30, SrcTID: 1, DstTID: 2},
		},
	}
}

func TestDataRoundTrip(t *testing.T) {
	d := sampleTrace()
	ser, err := d.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := Deserialize(ser, nil)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !got.Equal(d) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, d)
	}
}

func TestDigestGate(t *testing.T) {
	d := sampleTrace()
	ser, _ := d.Serialize()

	good := d.SHA256
	if _, err := Deserialize(ser, &good); err != nil {
		t.Fatalf("expected match, got %v", err)
	}

	bad := "not-the-digest"
	if _, err := Deserialize(ser, &bad); err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestStreamingMatchesFinalTrace(t *testing.T) {
	d := sampleTrace()

	var buf bytes.Buffer
	for _, op := range d.Trace {
		if err := EncodeOp(&buf, op); err != nil {
			t.Fatalf("EncodeOp: %v", err)
		}
	}

	dec := NewOpDecoder(&buf)
	var got []Op
	for {
		op, err := dec.Next()
		if err != nil {
			break
		}
		got = append(got, op)
	}
	final := Data{SHA256: d.SHA256, Trace: got}
	if !final.Equal(d) {
		t.Fatalf("streamed ops do not match final trace:\n got=%+v\nwant=%+v", got, d.Trace)
	}
}
