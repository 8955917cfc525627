package replayop

import (
	"math"
	"testing"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/trace"
)

func TestS1SingleMmapCall(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 10, FuncIdx: 7, ReturnVal: 0x1000, CallID: callid.NewMmap(4)},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result))
	}
	op := result[10]
	if len(op.Props) != 1 || len(op.Props[0].Stores) != 0 || op.Props[0].SyncID != 1 {
		t.Fatalf("unexpected op: %+v", op)
	}
	if op.MaxTID != 1 {
		t.Fatalf("max_tid = %d, want 1", op.MaxTID)
	}
}

func TestS2StoreAttachesToMmap(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 10, CallID: callid.NewMmap(4), ReturnVal: 0x1000},
		trace.Access{TID: 1, AccessIdx: 11, Differ: true, Addr: 0x1000, Size: 4, LoadValue: 0xdead},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	stores := result[10].Props[0].Stores
	if len(stores) != 1 || stores[0] != (ReplayMemStore{Addr: 0x1000, Size: 4, Value: 0xdead}) {
		t.Fatalf("unexpected stores: %+v", stores)
	}
}

// TestS3StoreAttachesToFrontOfQueue exercises the flush-then-enqueue
// order: the Mmap call flushes the already-queued Writev into the
// result map before enqueueing itself, so by the time the differing
// access arrives the queue's front is the Mmap single, not the Writev
// one. See DESIGN.md's note on spec.md §8's S3 prose diverging from
// §4.4's own algorithm (and from original_source's actual behavior).
func TestS3StoreAttachesToFrontOfQueue(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 10, CallID: callid.NewWritev(1, 0, 1), ReturnVal: 8},
		trace.Call{TID: 1, AccessIdx: 11, CallID: callid.NewMmap(1), ReturnVal: 0x2000},
		trace.Access{TID: 1, AccessIdx: 12, Differ: true, Addr: 0x2000, Size: 1, LoadValue: 7},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result))
	}
	if len(result[10].Props[0].Stores) != 0 {
		t.Fatalf("Writev prop should have no stores attached (it was flushed before the access), got %+v", result[10])
	}
	mmapStores := result[11].Props[0].Stores
	if len(mmapStores) != 1 || mmapStores[0].Addr != 0x2000 {
		t.Fatalf("store should attach to the Mmap prop at the front of the queue, got %+v", result[11])
	}
}

func TestS4CrossThreadReordering(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 2, AccessIdx: 10, CallID: callid.Generic(), ReturnVal: 1},
		trace.Call{TID: 1, AccessIdx: 10, CallID: callid.Generic(), ReturnVal: 2},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	op := result[10]
	if len(op.Props) != 2 {
		t.Fatalf("expected 2 props, got %d", len(op.Props))
	}
	if op.Props[0].TID != 1 || op.Props[0].SyncID != 2 {
		t.Fatalf("first prop should be (tid=1, sync_id=2), got %+v", op.Props[0])
	}
	if op.Props[1].TID != 2 || op.Props[1].SyncID != 1 {
		t.Fatalf("second prop should be (tid=2, sync_id=1), got %+v", op.Props[1])
	}
	if op.MaxTID != 2 {
		t.Fatalf("max_tid = %d, want 2", op.MaxTID)
	}
}

func TestS5SyncAccessDoesNotFlush(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 9, CallID: callid.NewWritev(1, 0, 1)},
		trace.SyncAccess{TID: 1, AccessIdx: 20, Differ: false},
		trace.Access{TID: 1, AccessIdx: 21, Differ: true, Addr: 0x30, Size: 4, LoadValue: 5},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	syncOp, ok := result[20]
	if !ok {
		t.Fatalf("expected entry at access_idx 20")
	}
	if !syncOp.ImplicitSync || syncOp.FuncIdx != math.MaxUint32 {
		t.Fatalf("sync op should be implicit_sync with func_idx=MaxUint32, got %+v", syncOp)
	}
	if len(syncOp.Props[0].Stores) != 0 {
		t.Fatalf("sync prop should have no stores, got %+v", syncOp.Props[0])
	}
	// The Writev call is still the front of the queue when the differing
	// access arrives, so it, not the sync prop, receives the store.
	if stores := result[9].Props[0].Stores; len(stores) != 1 {
		t.Fatalf("Writev call should not have been flushed by the sync access, got %+v", result[9])
	}
}

func TestAttributionWithoutQueuedCallIsFatal(t *testing.T) {
	in := []trace.Op{
		trace.Access{TID: 1, AccessIdx: 1, Differ: true, Addr: 4, Size: 4, LoadValue: 1},
	}
	if _, err := Build(in); err != ErrNoQueuedCall {
		t.Fatalf("expected ErrNoQueuedCall, got %v", err)
	}
}

func TestContextSwitchIsInert(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 10, CallID: callid.NewWritev(1, 0, 1)},
		trace.ContextSwitch{AccessIdx: 15, SrcTID: 1, DstTID: 2},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("only the Writev call should be in the map (the context switch enqueues nothing), got %d entries", len(result))
	}
}

func TestFlushPolicyOnlyGenericAndMmap(t *testing.T) {
	flushers := []callid.CallID{callid.Generic(), callid.NewMmap(1)}
	nonFlushers := []callid.CallID{
		callid.NewWritev(1, 0, 1),
		callid.NewThreadSpawn(0, 0),
		callid.NewFutex(0, callid.FutexWait, 0),
		callid.NewThreadExit(0),
		callid.NewProcExit(0),
	}
	for _, c := range flushers {
		if !c.FlushesQueue() {
			t.Fatalf("%v should flush", c)
		}
	}
	for _, c := range nonFlushers {
		if c.FlushesQueue() {
			t.Fatalf("%v should not flush", c)
		}
	}
}

func TestSyncIDsFormPrefixOf1ToN(t *testing.T) {
	in := []trace.Op{
		trace.Call{TID: 1, AccessIdx: 1, CallID: callid.NewWritev(1, 0, 1)},
		trace.SyncAccess{TID: 1, AccessIdx: 2},
		trace.Call{TID: 1, AccessIdx: 3, CallID: callid.NewMmap(1)},
	}
	result, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seen := make(map[uint64]bool)
	var max uint64
	for _, op := range result {
		for _, prop := range op.Props {
			if seen[prop.SyncID] {
				t.Fatalf("duplicate sync_id %d", prop.SyncID)
			}
			seen[prop.SyncID] = true
			if prop.SyncID > max {
				max = prop.SyncID
			}
		}
	}
	if uint64(len(seen)) != max {
		t.Fatalf("sync ids %v are not a prefix of 1..%d", seen, max)
	}
	for i := uint64(1); i <= max; i++ {
		if !seen[i] {
			t.Fatalf("sync ids missing %d", i)
		}
	}
}
