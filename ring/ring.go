// Package ring implements the shared-memory event transport between the
// service and its clients: a single-producer single-consumer byte ring
// carrying variable-length UMP event records, coordinated by a futex word.
//
// The header and data area live in one memory region that both processes
// map. No lock is taken on the data path; the producer publishes records
// with a release store on the write index and the consumer retires them
// with a release store on the read index.
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/umpbridge/umpd-go/types"
)

const (
	// HeaderSize is the cacheline-aligned control header at the start of
	// the shared region. The data area follows immediately.
	HeaderSize = 64

	// MinCapacity is one page; capacities are powers of two in bytes.
	MinCapacity = 4096

	// eventHeaderSize is the fixed part of one record:
	// u32 payload words | u64 timestamp ns.
	eventHeaderSize = 12

	wordSize = 4
)

var (
	ErrBadCapacity = errors.New("ring capacity must be a power of two and at least one page")
	ErrBadRegion   = errors.New("region too small for ring header and data")
)

// header is the bit-level control block at offset 0 of the shared region.
// All cross-process fields are accessed atomically through pointers into the
// mapped memory; the struct is never copied.
type header struct {
	capacity uint32 // immutable after init
	_        uint32
	ridx     uint64 // written only by consumer
	widx     uint64 // written only by producer
	futex    uint32 // wake word, see futex.go
	_        uint32
	overflow uint64 // producer-side drop counter
	_        [24]byte
}

// Ring is one side's view of a shared event ring. Exactly one producer and
// one consumer exist at a time; which side this view is used as is up to the
// caller.
type Ring struct {
	mem     []byte
	path    string
	mapped  bool
	mask    uint64
	cap     uint64
	scratch []byte // producer-side encode buffer, reused between writes
}

func isPowerOfTwo(n uint32) bool {
	return n > 0 && n&(n-1) == 0
}

// NewLocal creates a heap-backed ring for in-process use (both ends in the
// same process, typically tests and the output connection worker's view).
func NewLocal(capacity uint32) (*Ring, error) {
	if !isPowerOfTwo(capacity) || capacity < MinCapacity {
		return nil, ErrBadCapacity
	}
	mem := make([]byte, HeaderSize+int(capacity))
	r := &Ring{mem: mem}
	r.hdr().capacity = capacity
	r.init()
	return r, nil
}

// fromRegion wraps an already-mapped region. initHeader is true when this side
// creates the ring and owns header initialization.
func fromRegion(mem []byte, path string, capacity uint32, initHeader bool) (*Ring, error) {
	if initHeader {
		if !isPowerOfTwo(capacity) || capacity < MinCapacity {
			return nil, ErrBadCapacity
		}
		if len(mem) < HeaderSize+int(capacity) {
			return nil, ErrBadRegion
		}
	}
	r := &Ring{mem: mem, path: path, mapped: true}
	if initHeader {
		h := r.hdr()
		h.capacity = capacity
		h.ridx = 0
		h.widx = 0
		h.futex = 0
		h.overflow = 0
	} else {
		c := r.hdr().capacity
		if !isPowerOfTwo(c) || c < MinCapacity || len(mem) < HeaderSize+int(c) {
			return nil, ErrBadRegion
		}
	}
	r.init()
	return r, nil
}

func (r *Ring) init() {
	r.cap = uint64(r.hdr().capacity)
	r.mask = r.cap - 1
}

func (r *Ring) hdr() *header {
	return (*header)(unsafe.Pointer(&r.mem[0]))
}

// Capacity returns the data area size in bytes.
func (r *Ring) Capacity() uint32 {
	return uint32(r.cap)
}

// Path returns the backing file path, empty for local rings.
func (r *Ring) Path() string {
	return r.path
}

// Futex exposes the wake word for direct wake on teardown.
func (r *Ring) Futex() *uint32 {
	return &r.hdr().futex
}

// OverflowCount reports how many events the producer has dropped.
func (r *Ring) OverflowCount() uint64 {
	return atomic.LoadUint64(&r.hdr().overflow)
}

// AddOverflow records n dropped events and wakes the consumer anyway, so a
// slow reader learns about pressure promptly.
func (r *Ring) AddOverflow(n uint64) {
	atomic.AddUint64(&r.hdr().overflow, n)
	Wake(r.Futex())
}

func (r *Ring) readIndex() uint64 {
	return atomic.LoadUint64(&r.hdr().ridx)
}

func (r *Ring) writeIndex() uint64 {
	return atomic.LoadUint64(&r.hdr().widx)
}

// used returns occupied bytes; monotone uint64 arithmetic handles nothing
// special because the counters never wrap within a process lifetime.
func (r *Ring) used() uint64 {
	return r.writeIndex() - r.readIndex()
}

// Free returns the byte count currently available to the producer.
func (r *Ring) Free() uint64 {
	return r.cap - r.used()
}

// recordSize is the on-ring footprint of ev.
func recordSize(ev *types.Event) uint64 {
	return eventHeaderSize + uint64(len(ev.Data))*wordSize
}

// copyIn copies b into the data area starting at monotone index idx,
// splitting at the wrap point.
func (r *Ring) copyIn(idx uint64, b []byte) {
	data := r.mem[HeaderSize:]
	pos := idx & r.mask
	n := uint64(len(b))
	if pos+n <= r.cap {
		copy(data[pos:], b)
		return
	}
	first := r.cap - pos
	copy(data[pos:], b[:first])
	copy(data, b[first:])
}

// copyOut copies n bytes starting at monotone index idx into b.
func (r *Ring) copyOut(idx uint64, b []byte) {
	data := r.mem[HeaderSize:]
	pos := idx & r.mask
	n := uint64(len(b))
	if pos+n <= r.cap {
		copy(b, data[pos:pos+n])
		return
	}
	first := r.cap - pos
	copy(b, data[pos:pos+first])
	copy(b[first:], data[:n-first])
}

// TryWriteEvents enqueues as many whole records as fit, in order. Each event
// is all-or-nothing. Returns the number written and StatusOK when everything
// fit, StatusWouldBlock otherwise. Never blocks. The consumer futex is woken
// once when at least one record was written.
func (r *Ring) TryWriteEvents(events []types.Event) (int, types.StatusCode) {
	if len(events) == 0 {
		return 0, types.StatusOK
	}
	w := r.writeIndex()
	free := r.cap - (w - r.readIndex())

	written := 0
	for i := range events {
		ev := &events[i]
		size := recordSize(ev)
		if size > free {
			break
		}
		if need := int(size); cap(r.scratch) < need {
			r.scratch = make([]byte, need)
		}
		buf := r.scratch[:size]
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ev.Data)))
		binary.LittleEndian.PutUint64(buf[4:12], uint64(ev.Timestamp))
		for j, word := range ev.Data {
			binary.LittleEndian.PutUint32(buf[eventHeaderSize+j*wordSize:], word)
		}
		r.copyIn(w, buf)
		w += size
		free -= size
		written++
	}

	if written > 0 {
		// Release store publishes the payload bytes before the index.
		atomic.StoreUint64(&r.hdr().widx, w)
		Wake(r.Futex())
	}
	if written == len(events) {
		return written, types.StatusOK
	}
	return written, types.StatusWouldBlock
}

// PeekNext reports whether a complete record is visible to the consumer.
// Producers only advance the write index over whole records, so any positive
// distance means at least one record.
func (r *Ring) PeekNext() types.StatusCode {
	if r.used() >= eventHeaderSize {
		return types.StatusOK
	}
	return types.StatusWouldBlock
}

// DrainToBatch consumes up to max records (0 = unbounded), copying payloads
// into freshly allocated caller-owned buffers. The read index advances once
// at the end with a release store, and the producer is woken in case it is
// parked in WaitForSpace.
func (r *Ring) DrainToBatch(max int) []types.Event {
	var out []types.Event
	rd := r.readIndex()
	w := r.writeIndex() // acquire: every byte below w is stable

	var hdr [eventHeaderSize]byte
	for rd < w {
		if max > 0 && len(out) == max {
			break
		}
		r.copyOut(rd, hdr[:])
		words := binary.LittleEndian.Uint32(hdr[0:4])
		ts := int64(binary.LittleEndian.Uint64(hdr[4:12]))

		payload := make([]byte, words*wordSize)
		r.copyOut(rd+eventHeaderSize, payload)
		data := make([]uint32, words)
		for i := range data {
			data[i] = binary.LittleEndian.Uint32(payload[i*wordSize:])
		}
		out = append(out, types.Event{Timestamp: ts, Data: data})
		rd += eventHeaderSize + uint64(words)*wordSize
	}

	if rd != r.readIndex() {
		atomic.StoreUint64(&r.hdr().ridx, rd)
		Wake(r.Futex())
	}
	return out
}

// DiscardAll drops every record currently visible to the consumer without
// decoding it, and wakes the producer. Used by flush.
func (r *Ring) DiscardAll() int {
	rd := r.readIndex()
	w := r.writeIndex()
	n := 0
	var hdr [4]byte
	for rd < w {
		r.copyOut(rd, hdr[:])
		words := binary.LittleEndian.Uint32(hdr[:])
		rd += eventHeaderSize + uint64(words)*wordSize
		n++
	}
	if n > 0 {
		atomic.StoreUint64(&r.hdr().ridx, rd)
		Wake(r.Futex())
	}
	return n
}

// WaitForSpace parks the producer until at least minBytes are free or the
// timeout expires. timeoutNs < 0 waits forever.
func (r *Ring) WaitForSpace(timeoutNs int64, minBytes uint64) FutexCode {
	return Wait(r.Futex(), timeoutNs, func() bool {
		return r.Free() >= minBytes
	})
}

// WaitForData parks the consumer until a complete record is visible or the
// predicate exit returns true (teardown), or the timeout expires.
func (r *Ring) WaitForData(timeoutNs int64, exit func() bool) FutexCode {
	return Wait(r.Futex(), timeoutNs, func() bool {
		if exit != nil && exit() {
			return true
		}
		return r.PeekNext() == types.StatusOK
	})
}

// Close unmaps a mapped ring. Local rings are garbage collected.
func (r *Ring) Close() error {
	if !r.mapped {
		return nil
	}
	r.mapped = false
	return unmapRegion(r.mem)
}
