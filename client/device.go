package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
	"github.com/umpbridge/umpd-go/ump"
)

const (
	// maxEventsPerSend bounds one Send call.
	maxEventsPerSend = 1000

	// sendSysExTimeout is the total wall-time budget of one SendSysEx.
	sendSysExTimeout = 2000 * time.Millisecond

	// waitSlice is one producer-side space wait; re-entered until the
	// budget runs out.
	waitSlice = 2 * time.Millisecond

	// sysExRecordBytes is the ring footprint of one Type 3 packet:
	// 12-byte record header plus two words.
	sysExRecordBytes = 12 + 2*4

	portGroupRange = 16
)

// OnReceived delivers drained input events. The event payloads are valid
// only for the duration of the callback; the receiver reuses nothing, but
// the contract leaves room for zero-copy implementations.
type OnReceived func(events []types.Event)

// Device is a client-side handle to one opened device.
type Device struct {
	client   *Client
	deviceID int64

	mu      sync.Mutex
	inputs  map[uint32]*inputPort
	outputs map[uint32]*outputPort
}

func newDevice(c *Client, deviceID int64) *Device {
	return &Device{
		client:   c,
		deviceID: deviceID,
		inputs:   make(map[uint32]*inputPort),
		outputs:  make(map[uint32]*outputPort),
	}
}

// DeviceID returns the service-assigned device id.
func (d *Device) DeviceID() int64 {
	return d.deviceID
}

// OpenInputPort attaches to the device's input port and starts the receiver
// thread delivering drained batches to cb.
func (d *Device) OpenInputPort(portIndex uint32, cb OnReceived) types.StatusCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.inputs[portIndex]; open {
		return types.StatusPortAlreadyOpen
	}

	r, code := d.client.svc.OpenInputPort(d.client.id, d.deviceID, portIndex)
	if code != types.StatusOK {
		return code
	}
	p := &inputPort{ring: r, cb: cb, done: make(chan struct{})}
	p.running.Store(true)
	go p.receiverLoop()
	d.inputs[portIndex] = p
	return types.StatusOK
}

// CloseInputPort stops the receiver and detaches from the port.
func (d *Device) CloseInputPort(portIndex uint32) types.StatusCode {
	d.mu.Lock()
	p, open := d.inputs[portIndex]
	if !open {
		d.mu.Unlock()
		return types.StatusInvalidPort
	}
	delete(d.inputs, portIndex)
	d.mu.Unlock()

	p.stop()
	return d.client.svc.CloseInputPort(d.client.id, d.deviceID, portIndex)
}

// OpenOutputPort attaches to the device's output port.
func (d *Device) OpenOutputPort(portIndex uint32) types.StatusCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.outputs[portIndex]; open {
		return types.StatusPortAlreadyOpen
	}
	r, code := d.client.svc.OpenOutputPort(d.client.id, d.deviceID, portIndex)
	if code != types.StatusOK {
		return code
	}
	d.outputs[portIndex] = &outputPort{ring: r}
	return types.StatusOK
}

// CloseOutputPort detaches from the output port.
func (d *Device) CloseOutputPort(portIndex uint32) types.StatusCode {
	d.mu.Lock()
	_, open := d.outputs[portIndex]
	if !open {
		d.mu.Unlock()
		return types.StatusInvalidPort
	}
	delete(d.outputs, portIndex)
	d.mu.Unlock()
	return d.client.svc.CloseOutputPort(d.client.id, d.deviceID, portIndex)
}

// Send enqueues events on the output ring. Fire-and-forget under pressure:
// a full ring yields WOULD_BLOCK with written reporting the partial count.
func (d *Device) Send(portIndex uint32, events []types.Event) (int, types.StatusCode) {
	if len(events) == 0 || len(events) > maxEventsPerSend {
		return 0, types.StatusInvalidArg
	}
	d.mu.Lock()
	p, open := d.outputs[portIndex]
	d.mu.Unlock()
	if !open {
		return 0, types.StatusInvalidPort
	}
	return p.ring.TryWriteEvents(events)
}

// SendSysEx packs data into Type 3 UMP packets and writes them with a hard
// 2000 ms budget, waiting in 2 ms slices when the ring is full. On expiry
// it returns TIMEOUT with written reflecting partial progress.
func (d *Device) SendSysEx(portIndex uint32, data []byte) (int, types.StatusCode) {
	if len(data) == 0 {
		return 0, types.StatusInvalidArg
	}
	if portIndex >= portGroupRange {
		return 0, types.StatusInvalidPort
	}
	d.mu.Lock()
	p, open := d.outputs[portIndex]
	d.mu.Unlock()
	if !open {
		return 0, types.StatusInvalidPort
	}

	group := uint8(portIndex & 0x0F)
	total := ump.SysEx7PacketCount(uint32(len(data)))
	events := make([]types.Event, total)
	for i := uint32(0); i < total; i++ {
		off := int(i) * ump.SysEx7MaxBytes
		end := off + ump.SysEx7MaxBytes
		if end > len(data) {
			end = len(data)
		}
		words := ump.PackSysEx7(group, ump.SysEx7Status(i, total), data[off:end])
		events[i] = types.Event{Data: words[:]}
	}

	start := time.Now()
	written := 0
	for written < len(events) {
		if time.Since(start) > sendSysExTimeout {
			return written, types.StatusTimeout
		}
		n, code := p.ring.TryWriteEvents(events[written:])
		written += n
		if written == len(events) {
			break
		}
		if code != types.StatusWouldBlock {
			return written, code
		}
		if n == 0 {
			switch p.ring.WaitForSpace(waitSlice.Nanoseconds(), sysExRecordBytes) {
			case ring.FutexTimeout:
				continue
			case ring.FutexSuccess:
				continue
			default:
				return written, types.StatusSystemError
			}
		}
	}
	return written, types.StatusOK
}

// Flush asks the service to drop not-yet-dispatched output events.
func (d *Device) Flush(portIndex uint32) types.StatusCode {
	return d.client.svc.FlushOutputPort(d.client.id, d.deviceID, portIndex)
}

// Close closes every port this handle opened and detaches from the device.
func (d *Device) Close() types.StatusCode {
	d.stopReceivers()
	return d.client.svc.CloseDevice(d.client.id, d.deviceID)
}

func (d *Device) stopReceivers() {
	d.mu.Lock()
	inputs := d.inputs
	d.inputs = make(map[uint32]*inputPort)
	d.outputs = make(map[uint32]*outputPort)
	d.mu.Unlock()
	for _, p := range inputs {
		p.stop()
	}
}

// outputPort is the producer side of one output attachment.
type outputPort struct {
	ring *ring.Ring
}

// inputPort runs the receiver thread of one input attachment.
type inputPort struct {
	ring    *ring.Ring
	cb      OnReceived
	running atomic.Bool
	done    chan struct{}
}

func (p *inputPort) receiverLoop() {
	defer close(p.done)
	const waitForever = int64(-1)
	for p.running.Load() {
		p.ring.WaitForData(waitForever, func() bool { return !p.running.Load() })
		if !p.running.Load() {
			return
		}
		events := p.ring.DrainToBatch(0)
		if len(events) > 0 && p.cb != nil {
			p.cb(events)
		}
	}
}

// stop unblocks the receiver through the ring futex and joins it.
func (p *inputPort) stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	ring.WakePreExit(p.ring.Futex())
	<-p.done
}
