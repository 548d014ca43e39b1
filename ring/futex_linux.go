//go:build linux

package ring

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The wake word lives in memory shared between processes, so the futex ops
// must not use the private flag.

// Linux futex(2) operation codes; not exported by golang.org/x/sys/unix.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check atomically before entering the syscall; a wake between the
	// caller's snapshot and here must not be lost.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var ts *unix.Timespec
	if timeoutNs >= 0 {
		t := unix.NsecToTimespec(timeoutNs)
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errFutexTimeout
	default:
		return errno
	}
}

func futexWakeAll(addr *uint32) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAKE),
		uintptr(int(^uint(0)>>1)), // wake every waiter
		0, 0, 0,
	)
}

// waitSlices drives the predicate loop for Wait on top of futexWait. Split
// out per-OS because the fallback path paces itself differently.
func waitSlices(addr *uint32, timeoutNs int64, pred func() bool) FutexCode {
	var deadline time.Time
	if timeoutNs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for {
		if pred() {
			return FutexSuccess
		}
		val := atomic.LoadUint32(addr)
		if pred() { // the value snapshot races with the condition
			return FutexSuccess
		}
		remain := int64(-1)
		if timeoutNs >= 0 {
			r := time.Until(deadline)
			if r <= 0 {
				return FutexTimeout
			}
			remain = r.Nanoseconds()
		}
		if err := futexWait(addr, val, remain); err != nil {
			if err == errFutexTimeout {
				if pred() {
					return FutexSuccess
				}
				return FutexTimeout
			}
			return FutexError
		}
	}
}
