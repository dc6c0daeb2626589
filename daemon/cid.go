package daemon

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, used to correlate a connection's log lines and
// its Received header trace id.
func Cid() int64 {
	return cid.Add(1)
}
