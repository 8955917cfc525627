// Package replayhost registers the fixed host-call surface a replay
// module imports: process/thread control, a debug writev/futex-log
// surface, tid lookup, and structured per-prop logging (spec.md §4.6).
package replayhost

import (
	"context"
	"log"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sys/unix"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/hostabi"
	"github.com/arjunr2/wasm-r3/replayop"
)

// ModuleName is the host module namespace a replay guest imports from.
const ModuleName = "r3_replay"

// Host binds the replay-time callbacks to a shared thread registry.
type Host struct {
	Reg *hostabi.Registry
}

// Instantiate registers SC_proc_exit, SC_thread_exit, SC_writev,
// SC_futex_log, SC_gettid, and SC_log_call against rt.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().WithFunc(h.procExit).Export("SC_proc_exit").
		NewFunctionBuilder().WithFunc(h.threadExit).Export("SC_thread_exit").
		NewFunctionBuilder().WithFunc(h.writev).Export("SC_writev").
		NewFunctionBuilder().WithFunc(h.futexLog).Export("SC_futex_log").
		NewFunctionBuilder().WithFunc(h.gettid).Export("SC_gettid").
		NewFunctionBuilder().WithFunc(h.logCall).Export("SC_log_call").
		Instantiate(ctx)
	return err
}

// procExit terminates the host process immediately with status.
func (h *Host) procExit(_ context.Context, status int32) {
	log.Printf("ProcExit | exiting process with status %d", status)
	os.Exit(int(status))
}

// threadExit cancels the calling guest thread. wazero has no
// per-exec-env cancellation primitive like WAMR's wasm_cluster_cancel_thread;
// closing the module that backs this thread is the idiomatic equivalent,
// since each guest thread is its own api.Module instance (hostabi.Registry).
func (h *Host) threadExit(ctx context.Context, mod api.Module, status int32) {
	log.Printf("ThreadExit | exiting thread with status %d", status)
	if err := mod.CloseWithExitCode(ctx, uint32(status)); err != nil {
		log.Printf("ThreadExit | close failed: %v", err)
	}
}

// writev performs a debug-only writev: only fd==1 (stdout) is
// permitted, matching the replay debug surface; any other fd warns and
// returns 0 without writing.
func (h *Host) writev(_ context.Context, mod api.Module, fd, iovs, iovcnt int32) int64 {
	log.Printf("Writev | fd=%d iovs=%d iovcnt=%d", fd, iovs, iovcnt)
	if fd != 1 {
		log.Printf("Writev | only fd=1 (stdout) supported for debug, got %d", fd)
		return 0
	}
	native := hostabi.NativeIovecs(mod, uint32(iovs), uint32(iovcnt))
	n, err := unix.Writev(1, native)
	if err != nil {
		log.Printf("Writev | syscall failed: %v", err)
		return 0
	}
	return int64(n)
}

// futexLog records a futex operation without performing any blocking;
// replay determinism comes from the instrumented code, not from this
// host function actually synchronizing anything.
func (h *Host) futexLog(_ context.Context, addr, op, val int32) {
	log.Printf("Futex Log | %s[%d], val: %d", callid.FutexOpFromI32(op), addr, val)
}

// gettid returns the calling guest thread's tid.
func (h *Host) gettid(_ context.Context, mod api.Module) uint32 {
	return uint32(h.Reg.TID(mod))
}

// logCall renders one structured debug line per replayed prop.
func (h *Host) logCall(_ context.Context, accessIdx, funcIdx, tid, propIdx uint32, callIDTag uint32, returnVal, a1, a2, a3 int64, syncID uint64) {
	id, err := callid.FromParts(callid.Tag(callIDTag), [3]int64{a1, a2, a3})
	if err != nil {
		log.Printf("LogCall | unknown call id tag %#x: %v", callIDTag, err)
		return
	}
	log.Print(replayop.PropLogLine(replayop.PropLogInfo{
		AccessIdx: accessIdx,
		FuncIdx:   funcIdx,
		TID:       uint64(tid),
		PropIdx:   propIdx,
		CallID:    id,
		ReturnVal: returnVal,
		SyncID:    syncID,
	}))
}
