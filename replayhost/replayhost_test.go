package replayhost

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/arjunr2/wasm-r3/hostabi"
)

var minimalMemoryModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

func TestGettidFollowsRegistryOrder(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, minimalMemoryModule)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}

	modA, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("a"))
	if err != nil {
		t.Fatalf("InstantiateModule a: %v", err)
	}
	defer modA.Close(ctx)
	modB, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("b"))
	if err != nil {
		t.Fatalf("InstantiateModule b: %v", err)
	}
	defer modB.Close(ctx)

	h := &Host{Reg: hostabi.NewRegistry()}
	if got := h.gettid(ctx, modA); got != 0 {
		t.Fatalf("first module tid = %d, want 0", got)
	}
	if got := h.gettid(ctx, modB); got != 1 {
		t.Fatalf("second module tid = %d, want 1", got)
	}
	if got := h.gettid(ctx, modA); got != 0 {
		t.Fatalf("first module tid should be stable, got %d", got)
	}
}

func TestWritevRejectsNonStdoutFD(t *testing.T) {
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

	h := &Host{Reg: hostabi.NewRegistry()}
	if n := h.writev(ctx, mod, 2, 0, 0); n != 0 {
		t.Fatalf("writev to fd=2 should be rejected and return 0, got %d", n)
	}
}
