package ring

import (
	"errors"
	"sync/atomic"
)

// FutexCode is the result of a predicate wait.
type FutexCode int

const (
	FutexSuccess FutexCode = iota
	FutexTimeout
	FutexError
)

// IsPreExit is the distinguished wake value stored by a consumer tearing
// itself down. Waiters never read the word for correctness, only to sleep on
// it, so any value distinct from the last snapshot unblocks them; storing a
// marker instead of incrementing makes teardown wakes visible in dumps.
const IsPreExit uint32 = 0x80000000

var errFutexTimeout = errors.New("futex wait timed out")

// Wait blocks until pred() is true or timeoutNs elapses (-1 = forever).
// Spurious wakes are absorbed by re-checking the predicate.
func Wait(addr *uint32, timeoutNs int64, pred func() bool) FutexCode {
	return waitSlices(addr, timeoutNs, pred)
}

// Wake bumps the word and wakes every waiter on it.
func Wake(addr *uint32) {
	atomic.AddUint32(addr, 1)
	futexWakeAll(addr)
}

// WakePreExit stores the teardown marker and wakes every waiter. The woken
// side is expected to consult its own run flag.
func WakePreExit(addr *uint32) {
	atomic.StoreUint32(addr, IsPreExit)
	futexWakeAll(addr)
}
