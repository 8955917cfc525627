package sink

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/trace"
)

func TestAppendAndFinalize(t *testing.T) {
	dir := t.TempDir()
	path := NewPath(dir)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ops := []trace.Op{
		trace.Call{TID: 0, AccessIdx: 0, Opcode: 0x10, FuncIdx: 1, CallID: callid.NewMmap(1)},
		trace.Access{TID: 0, AccessIdx: 1, Opcode: 0x28, Addr: 0x10, Size: 4, LoadValue: 1, Differ: true},
		trace.SyncAccess{TID: 0, AccessIdx: 2, Opcode: 0xfe, Addr: 0x20, Size: 8},
	}
	for _, op := range ops {
		if err := s.Append(op); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	outputPath := filepath.Join(dir, "out.r3")
	digest := "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"
	if err := s.Finalize(outputPath, digest); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("intermediate file should be unlinked, stat err = %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("ReadFile output: %v", err)
	}
	got, err := trace.Deserialize(data, &digest)
	if err != nil {
		t.Fatalf("Deserialize output: %v", err)
	}
	want := trace.Data{SHA256: digest, Trace: ops}
	if !got.Equal(want) {
		t.Fatalf("finalized trace mismatch:\n got=%+v\nwant=%+v", got, want)
	}
}

func TestGlobalRequiresPathEnvVar(t *testing.T) {
	os.Unsetenv(PathEnvVar)
	globalOnce = sync.Once{}
	global, globalErr = nil, nil
	if _, err := Global(); err == nil {
		t.Fatal("expected error when sink path env var is unset")
	}
}
