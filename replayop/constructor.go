package replayop

import (
	"fmt"
	"math"
	"sort"

	"github.com/arjunr2/wasm-r3/callid"
	"github.com/arjunr2/wasm-r3/trace"
)

// ErrNoQueuedCall is returned when an access with differ=true arrives
// before any call has been enqueued to receive its store. The trace
// producer guaranteed this cannot happen; seeing it means the trace
// itself is malformed.
var ErrNoQueuedCall = fmt.Errorf("replayop: differing access with no queued call to attribute it to")

// Build folds an ordered trace into a map of ReplayOp keyed by
// access_idx, following the FIFO attribution and flush algorithm: calls
// whose CallID flushes (Generic, Mmap) drain the pending queue into the
// map before being enqueued themselves; differing accesses attach a
// store to the front of the queue; synchronization accesses additionally
// enqueue a synthetic prop without flushing. Each ReplayOp's props are
// left sorted by (tid, sync_id) ascending.
func Build(ops []trace.Op) (map[uint32]*ReplayOp, error) {
	result := make(map[uint32]*ReplayOp)
	var queue []*replaySingle
	var syncCounter uint64

	flush := func() {
		for _, single := range queue {
			upsert(result, single)
		}
		queue = queue[:0]
	}

	for _, op := range ops {
		switch v := op.(type) {
		case trace.Call:
			if v.CallID.FlushesQueue() {
				flush()
			}
			syncCounter++
			queue = append(queue, &replaySingle{
				AccessIdx:    v.AccessIdx,
				FuncIdx:      v.FuncIdx,
				ImplicitSync: false,
				Prop: ReplayOpProp{
					TID:       v.TID,
					ReturnVal: v.ReturnVal,
					CallID:    v.CallID,
					SyncID:    syncCounter,
				},
			})

		case trace.Access:
			if v.Differ {
				if err := attach(queue, v.Addr, v.Size, v.LoadValue); err != nil {
					return nil, err
				}
			}

		case trace.SyncAccess:
			if v.Differ {
				if err := attach(queue, v.Addr, v.Size, v.LoadValue); err != nil {
					return nil, err
				}
			}
			syncCounter++
			queue = append(queue, &replaySingle{
				AccessIdx:    v.AccessIdx,
				FuncIdx:      math.MaxUint32,
				ImplicitSync: true,
				Prop: ReplayOpProp{
					TID:       v.TID,
					ReturnVal: math.MaxInt64,
					CallID:    callid.Unknown(),
					SyncID:    syncCounter,
				},
			})

		case trace.ContextSwitch:
			// Carries no attribution weight: neither flushes nor enqueues.
		}
	}
	flush()

	for _, replayOp := range result {
		sort.SliceStable(replayOp.Props, func(i, j int) bool {
			pi, pj := replayOp.Props[i], replayOp.Props[j]
			if pi.TID != pj.TID {
				return pi.TID < pj.TID
			}
			return pi.SyncID < pj.SyncID
		})
	}
	return result, nil
}

func attach(queue []*replaySingle, addr int32, size uint32, value int64) error {
	if len(queue) == 0 {
		return ErrNoQueuedCall
	}
	front := queue[0]
	front.Prop.Stores = append(front.Prop.Stores, ReplayMemStore{Addr: addr, Size: size, Value: value})
	return nil
}

func upsert(result map[uint32]*ReplayOp, single *replaySingle) {
	existing, ok := result[single.AccessIdx]
	if !ok {
		result[single.AccessIdx] = &ReplayOp{
			AccessIdx:    single.AccessIdx,
			FuncIdx:      single.FuncIdx,
			ImplicitSync: single.ImplicitSync,
			Props:        []ReplayOpProp{single.Prop},
			MaxTID:       single.Prop.TID,
		}
		return
	}
	existing.Props = append(existing.Props, single.Prop)
	if single.Prop.TID > existing.MaxTID {
		existing.MaxTID = single.Prop.TID
	}
}
