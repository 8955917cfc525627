package replayop

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	uint64_t tid;
	int64_t  return_val;
	uint32_t call_id;
	int64_t  call_args[3];
	void    *stores;
	uint32_t num_stores;
	uint64_t sync_id;
} replay_op_prop_cffi;

typedef struct {
	uint32_t access_idx;
	uint32_t func_idx;
	uint32_t implicit_sync;
	void    *props;
	uint32_t num_props;
	uint64_t max_tid;
} replay_op_cffi;

typedef struct {
	int32_t  addr;
	uint32_t size;
	int64_t  value;
} replay_mem_store_cffi;
*/
import "C"

import (
	"sort"
	"unsafe"
)

// CFFIBatch is a contiguous, C-layout view of a ReplayOp map built for
// handoff to the external instrumenter's instrument_module_buffer entry
// point (spec.md §4.5, §6). The allocations it owns must outlive the
// instrumentation call; Release frees them once the call returns.
type CFFIBatch struct {
	Ops    unsafe.Pointer // *C.replay_op_cffi, length NumOps
	NumOps uint32
	props  []unsafe.Pointer
	stores []unsafe.Pointer
}

// BuildCFFIBatch lays out ops (keyed by access_idx) as a single
// contiguous C array in ascending access_idx order, per ReplayOp
// allocating its own contiguous props array, and per prop its own
// contiguous stores array.
func BuildCFFIBatch(ops map[uint32]*ReplayOp) *CFFIBatch {
	idxs := make([]uint32, 0, len(ops))
	for idx := range ops {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	batch := &CFFIBatch{NumOps: uint32(len(idxs))}
	if len(idxs) == 0 {
		return batch
	}

	cOps := (*C.replay_op_cffi)(C.malloc(C.size_t(len(idxs)) * C.size_t(unsafe.Sizeof(C.replay_op_cffi{}))))
	cOpsSlice := unsafe.Slice(cOps, len(idxs))

	for i, idx := range idxs {
		op := ops[idx]
		cProps := (*C.replay_op_prop_cffi)(C.malloc(C.size_t(len(op.Props)) * C.size_t(unsafe.Sizeof(C.replay_op_prop_cffi{}))))
		batch.props = append(batch.props, unsafe.Pointer(cProps))
		cPropsSlice := unsafe.Slice(cProps, len(op.Props))

		for j, prop := range op.Props {
			tag, args := prop.CallID.ToParts()
			cStores := unsafe.Pointer(nil)
			if len(prop.Stores) > 0 {
				raw := C.malloc(C.size_t(len(prop.Stores)) * C.size_t(unsafe.Sizeof(C.replay_mem_store_cffi{})))
				cStores = raw
				batch.stores = append(batch.stores, raw)
				storeSlice := unsafe.Slice((*C.replay_mem_store_cffi)(raw), len(prop.Stores))
				for k, s := range prop.Stores {
					storeSlice[k] = C.replay_mem_store_cffi{
						addr:  C.int32_t(s.Addr),
						size:  C.uint32_t(s.Size),
						value: C.int64_t(s.Value),
					}
				}
			}
			cPropsSlice[j] = C.replay_op_prop_cffi{
				tid:        C.uint64_t(prop.TID),
				return_val: C.int64_t(prop.ReturnVal),
				call_id:    C.uint32_t(tag),
				call_args:  [3]C.int64_t{C.int64_t(args[0]), C.int64_t(args[1]), C.int64_t(args[2])},
				stores:     cStores,
				num_stores: C.uint32_t(len(prop.Stores)),
				sync_id:    C.uint64_t(prop.SyncID),
			}
		}

		implicitSync := C.uint32_t(0)
		if op.ImplicitSync {
			implicitSync = 1
		}
		cOpsSlice[i] = C.replay_op_cffi{
			access_idx:    C.uint32_t(op.AccessIdx),
			func_idx:      C.uint32_t(op.FuncIdx),
			implicit_sync: implicitSync,
			props:         unsafe.Pointer(cProps),
			num_props:     C.uint32_t(len(op.Props)),
			max_tid:       C.uint64_t(op.MaxTID),
		}
	}

	batch.Ops = unsafe.Pointer(cOps)
	return batch
}

// Release frees every allocation the batch owns. Call it only after the
// instrumentation call that consumed the batch has returned.
func (b *CFFIBatch) Release() {
	for _, s := range b.stores {
		C.free(s)
	}
	for _, p := range b.props {
		C.free(p)
	}
	if b.Ops != nil {
		C.free(b.Ops)
	}
	b.stores = nil
	b.props = nil
	b.Ops = nil
}
