// Package replayop folds a linear execution trace into the aggregated,
// per-site replay operations that drive deterministic replay
// instrumentation (spec.md §4.4-§4.5).
package replayop

import "github.com/arjunr2/wasm-r3/callid"

// ReplayMemStore is one memory side effect observed while a call was the
// front of the attribution queue.
type ReplayMemStore struct {
	Addr  int32
	Size  uint32
	Value int64
}

// ReplayOpProp is a single thread's visit to a call site: the values it
// must be replayed with, and the memory stores attributed to it.
type ReplayOpProp struct {
	TID       uint64
	ReturnVal int64
	CallID    callid.CallID
	Stores    []ReplayMemStore
	SyncID    uint64
}

// ReplayOp aggregates every visit to a single access_idx across every
// thread that executed it.
type ReplayOp struct {
	AccessIdx    uint32
	FuncIdx      uint32
	ImplicitSync bool
	Props        []ReplayOpProp
	MaxTID       uint64
}

// replaySingle is a pending queue entry: a call (or synthetic
// synchronization point) waiting to be flushed into the ReplayOp map.
type replaySingle struct {
	AccessIdx    uint32
	FuncIdx      uint32
	ImplicitSync bool
	Prop         ReplayOpProp
}
