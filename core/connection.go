package core

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// drainBatchMax bounds how many records one worker iteration pulls from a
// single client ring, so one chatty client cannot starve the others.
const drainBatchMax = 256

// idleWaitSlice is how long the output worker parks on a ring futex before
// re-polling the other rings.
const idleWaitSlice = 2 * time.Millisecond

// InputConnection fans one driver-open input port out to every subscribed
// client ring. The driver callback and the client add/remove path serialize
// on the connection's own lock; the session lock is never held here.
type InputConnection struct {
	mu    sync.Mutex
	rings map[uint32]*ring.Ring
}

func NewInputConnection() *InputConnection {
	return &InputConnection{rings: make(map[uint32]*ring.Ring)}
}

// Dispatch copies the batch into every subscribed ring. Input backpressure
// is drop-and-record: short writes bump the ring's overflow counter and the
// client is woken regardless.
func (c *InputConnection) Dispatch(events []types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rings {
		written, _ := r.TryWriteEvents(events)
		if written < len(events) {
			r.AddOverflow(uint64(len(events) - written))
		}
	}
}

func (c *InputConnection) AddClient(clientID uint32, r *ring.Ring) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rings[clientID] = r
}

// RemoveClient detaches the client and returns its ring, or nil when the
// client was not attached.
func (c *InputConnection) RemoveClient(clientID uint32) *ring.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rings[clientID]
	delete(c.rings, clientID)
	return r
}

func (c *InputConnection) HasClient(clientID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rings[clientID]
	return ok
}

func (c *InputConnection) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rings) == 0
}

// OutputConnection multiplexes client output rings onto one driver port.
// Exactly one worker goroutine runs per connection regardless of client
// count; it polls each ring once per iteration for per-client fairness.
type OutputConnection struct {
	mu    sync.Mutex
	rings map[uint32]*ring.Ring
	order []uint32

	sink func(events []types.Event) types.StatusCode
	log  *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewOutputConnection(sink func(events []types.Event) types.StatusCode, log *zap.Logger) *OutputConnection {
	return &OutputConnection{
		rings: make(map[uint32]*ring.Ring),
		sink:  sink,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Call once, before the first AddClient returns
// to the client.
func (c *OutputConnection) Start() {
	go c.run()
}

// Stop flags the worker down, wakes it through every ring futex and joins.
func (c *OutputConnection) Stop() {
	select {
	case <-c.stop:
		return // already stopped
	default:
	}
	close(c.stop)
	c.mu.Lock()
	for _, r := range c.rings {
		ring.WakePreExit(r.Futex())
	}
	c.mu.Unlock()
	<-c.done
}

func (c *OutputConnection) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *OutputConnection) run() {
	defer close(c.done)
	for {
		if c.stopped() {
			return
		}
		dispatched := false
		for _, r := range c.snapshot() {
			events := r.DrainToBatch(drainBatchMax)
			if len(events) == 0 {
				continue
			}
			dispatched = true
			if code := c.sink(events); code != types.StatusOK {
				c.log.Warn("output dispatch failed", zap.Int32("status", int32(code)))
			}
		}
		if dispatched {
			continue
		}
		c.idle()
	}
}

// idle parks on one ring's futex for a bounded slice; with several clients
// the other rings get polled on the next iteration either way.
func (c *OutputConnection) idle() {
	c.mu.Lock()
	var first *ring.Ring
	for _, id := range c.order {
		if r, ok := c.rings[id]; ok {
			first = r
			break
		}
	}
	c.mu.Unlock()

	if first == nil {
		select {
		case <-c.stop:
		case <-time.After(idleWaitSlice):
		}
		return
	}
	first.WaitForData(idleWaitSlice.Nanoseconds(), c.stopped)
}

func (c *OutputConnection) snapshot() []*ring.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ring.Ring, 0, len(c.order))
	for _, id := range c.order {
		if r, ok := c.rings[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *OutputConnection) AddClient(clientID uint32, r *ring.Ring) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rings[clientID]; !ok {
		c.order = append(c.order, clientID)
	}
	c.rings[clientID] = r
}

func (c *OutputConnection) RemoveClient(clientID uint32) *ring.Ring {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rings[clientID]
	delete(c.rings, clientID)
	for i, id := range c.order {
		if id == clientID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return r
}

func (c *OutputConnection) HasClient(clientID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rings[clientID]
	return ok
}

func (c *OutputConnection) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rings) == 0
}

// Flush drops everything the client has queued but the worker has not yet
// pulled.
func (c *OutputConnection) Flush(clientID uint32) {
	c.mu.Lock()
	r := c.rings[clientID]
	c.mu.Unlock()
	if r != nil {
		r.DiscardAll()
	}
}
