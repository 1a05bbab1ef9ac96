package app

import (
	"sync/atomic"
	"time"
)

const progressUpdateInterval = 250 * time.Millisecond

func shouldUpdateProgress(last *int64, now time.Time) bool {
	ns := now.UnixNano()
	prev := atomic.LoadInt64(last)
	if prev != 0 && ns-prev < int64(progressUpdateInterval) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, ns)
}
