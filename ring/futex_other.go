//go:build !linux

package ring

import (
	"sync/atomic"
	"time"
)

// Non-linux fallback: no cross-process futex is available, so waiters poll
// the predicate on a short period. This keeps the predicate-based contract
// for same-process use (tests, local rings); cross-process deployments are
// linux-only.

const pollSlice = 200 * time.Microsecond

func futexWakeAll(addr *uint32) {
	// Pollers notice the changed word or predicate on their next slice.
}

func waitSlices(addr *uint32, timeoutNs int64, pred func() bool) FutexCode {
	var deadline time.Time
	if timeoutNs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	last := atomic.LoadUint32(addr)
	for {
		if pred() {
			return FutexSuccess
		}
		if v := atomic.LoadUint32(addr); v != last {
			last = v
			continue
		}
		if timeoutNs >= 0 && !time.Now().Before(deadline) {
			if pred() {
				return FutexSuccess
			}
			return FutexTimeout
		}
		time.Sleep(pollSlice)
	}
}
