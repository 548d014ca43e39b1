package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultUnloadDelay is how long the service lingers after its last client
// leaves before asking the host to shut it down.
const DefaultUnloadDelay = 60 * time.Second

// unloadWorker runs the deferred self-unload: one background goroutine per
// armed timer, cancellable until it fires. Re-arming joins the previous
// goroutine first so at most one is ever alive.
type unloadWorker struct {
	log *zap.Logger

	mu       sync.Mutex
	pending  bool
	cancelCh chan struct{}
	done     chan struct{}
	delay    time.Duration
	shutdown func()
}

func (u *unloadWorker) init(log *zap.Logger) {
	u.log = log
	u.delay = DefaultUnloadDelay
	u.shutdown = func() {
		log.Info("no shutdown hook installed; unload request dropped")
	}
}

func (u *unloadWorker) setDelay(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delay = d
}

func (u *unloadWorker) setShutdown(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shutdown = fn
}

// schedule arms the timer. A no-op while one is already pending.
func (u *unloadWorker) schedule() {
	u.mu.Lock()
	if u.pending {
		u.mu.Unlock()
		return
	}
	prev := u.done
	u.pending = true
	u.cancelCh = make(chan struct{})
	u.done = make(chan struct{})
	cancelCh, done, delay := u.cancelCh, u.done, u.delay
	u.mu.Unlock()

	if prev != nil {
		<-prev
	}

	u.log.Info("unload timer started", zap.Duration("delay", delay))
	go func() {
		defer close(done)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-cancelCh:
			u.log.Info("unload timer cancelled")
		case <-timer.C:
			u.mu.Lock()
			stillPending := u.pending
			shutdown := u.shutdown
			u.pending = false
			u.mu.Unlock()
			if stillPending {
				u.log.Info("unload timer fired, requesting shutdown")
				shutdown()
			}
		}
	}()
}

// cancel disarms a pending timer, if any.
func (u *unloadWorker) cancel() {
	u.mu.Lock()
	if !u.pending {
		u.mu.Unlock()
		return
	}
	u.pending = false
	close(u.cancelCh)
	u.mu.Unlock()
}

// SetUnloadDelay configures the self-unload delay; 0 fires immediately
// after the last client leaves (used by tests).
func (c *Core) SetUnloadDelay(d time.Duration) {
	c.unload.setDelay(d)
}

// SetShutdownFunc installs the host-side shutdown request hook.
func (c *Core) SetShutdownFunc(fn func()) {
	c.unload.setShutdown(fn)
}

// CancelUnload disarms a pending self-unload, e.g. when the host wants the
// service to stay resident.
func (c *Core) CancelUnload() {
	c.unload.cancel()
}

// UnloadPending reports whether a self-unload timer is armed.
func (c *Core) UnloadPending() bool {
	c.unload.mu.Lock()
	defer c.unload.mu.Unlock()
	return c.unload.pending
}

// WaitUnloadSettled blocks until any armed unload worker has exited. Test
// helper.
func (c *Core) WaitUnloadSettled() {
	c.unload.mu.Lock()
	done := c.unload.done
	c.unload.mu.Unlock()
	if done != nil {
		<-done
	}
}
