package replayop

import (
	"fmt"

	"github.com/arjunr2/wasm-r3/callid"
)

// PropLogInfo is the debug-rendering view of a single replayed prop,
// mirroring the fields a replay-side SC_log_call invocation carries.
type PropLogInfo struct {
	AccessIdx uint32
	FuncIdx   uint32
	TID       uint64
	PropIdx   uint32
	CallID    callid.CallID
	ReturnVal int64
	SyncID    uint64
}

// PropLogLine formats a PropLogInfo the way the replay host's
// SC_log_call handler renders one line per replayed prop.
func PropLogLine(info PropLogInfo) string {
	return fmt.Sprintf("[access_idx=%d func_idx=%d tid=%d prop=%d] call=%v ret=%#x sync_id=%d",
		info.AccessIdx, info.FuncIdx, info.TID, info.PropIdx, info.CallID, info.ReturnVal, info.SyncID)
}
