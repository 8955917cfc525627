package recordhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/hostabi"
	"github.com/arjunr2/wasm-r3/sink"
	"github.com/arjunr2/wasm-r3/trace"
)

var minimalMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

func TestMemopAndCallTracedumpAppendExpectedOps(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, minimalMemoryModule)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		t.Fatalf("InstantiateModule: %v", err)
	}
	defer mod.Close(ctx)

	dir := t.TempDir()
	s, err := sink.Open(sink.NewPath(dir))
	if err != nil {
		t.Fatalf("sink.Open: %v", err)
	}
	h := &Host{Sink: s, Reg: hostabi.NewRegistry()}

	h.memopTracedump(ctx, mod, 0, 5, 0x28, 0, 4, 1, 1, 0) // addr==0, non-sync, non-differ: should NOT append
	h.memopTracedump(ctx, mod, 1, 6, 0x28, 0x10, 4, 0xdead, 0xbeef, 0)
	h.memopTracedump(ctx, mod, 0, 7, 0xfe, 0x20, 8, 1, 1, 1) // sync op, differ=0: should append as SyncAccess
	h.callTracedump(ctx, mod, 8, 0x10, 3, uint32(callid.TagMmap), 0x1000, 4, 0, 0)

	if err := s.Finalize(filepath.Join(dir, "out.r3"), "deadbeef"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.r3"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	got, err := trace.Deserialize(data, nil)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got.Trace) != 3 {
		t.Fatalf("expected 3 recorded ops (the non-differ, non-sync access should be skipped), got %d: %+v", len(got.Trace), got.Trace)
	}
	if _, ok := got.Trace[0].(trace.Access); !ok {
		t.Fatalf("first op should be Access, got %T", got.Trace[0])
	}
	if sa, ok := got.Trace[1].(trace.SyncAccess); !ok || sa.Differ {
		t.Fatalf("second op should be SyncAccess with differ=false, got %T %+v", got.Trace[1], got.Trace[1])
	}
	call, ok := got.Trace[2].(trace.Call)
	if !ok || call.CallID.Tag() != callid.TagMmap {
		t.Fatalf("third op should be Call(Mmap), got %T %+v", got.Trace[2], got.Trace[2])
	}
}
