// Package loopback is a software transport for development and tests: each
// device pairs an output port with an input port and echoes whatever is
// written back to the input path, the way the hardware emulator of a real
// transport would.
package loopback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/types"
)

const (
	outputPortIndex = 0
	inputPortIndex  = 1
)

type device struct {
	id        int64
	name      string
	open      bool
	inputOpen bool
	inputCb   core.InputCallback
	outOpen   bool
}

// Driver implements core.Driver with n virtual loopback devices.
type Driver struct {
	log *zap.Logger

	mu      sync.Mutex
	devices map[int64]*device
}

func NewDriver(count int, log *zap.Logger) *Driver {
	d := &Driver{log: log, devices: make(map[int64]*device)}
	for i := 0; i < count; i++ {
		id := int64(i + 1)
		d.devices[id] = &device{id: id, name: "Loopback"}
	}
	return d
}

func (d *Driver) Kind() types.DeviceType {
	return types.DeviceTypeUSB
}

func (d *Driver) Enumerate() []types.DeviceInformation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.DeviceInformation, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, types.DeviceInformation{
			DriverDeviceID: dev.id,
			Protocol:       types.ProtocolMidi2,
			ProductName:    dev.name,
			VendorName:     "umpd",
			Ports: []types.PortInformation{
				{PortIndex: outputPortIndex, Name: "Loop Out", Direction: types.PortDirectionOutput, Protocol: types.ProtocolMidi2},
				{PortIndex: inputPortIndex, Name: "Loop In", Direction: types.PortDirectionInput, Protocol: types.ProtocolMidi2},
			},
		})
	}
	return out
}

func (d *Driver) get(id int64) *device {
	return d.devices[id]
}

func (d *Driver) OpenDevice(driverDeviceID int64) types.StatusCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil {
		return types.StatusInvalidDevice
	}
	dev.open = true
	return types.StatusOK
}

func (d *Driver) OpenBleDevice(addr string, reply core.BleOpenCallback) types.StatusCode {
	return types.StatusInvalidArg
}

func (d *Driver) CloseDevice(driverDeviceID int64) types.StatusCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil {
		return types.StatusInvalidDevice
	}
	dev.open = false
	dev.inputOpen = false
	dev.inputCb = nil
	dev.outOpen = false
	return types.StatusOK
}

func (d *Driver) OpenInputPort(driverDeviceID int64, portIndex uint32, cb core.InputCallback) types.StatusCode {
	if portIndex != inputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil || !dev.open {
		return types.StatusInvalidDevice
	}
	if dev.inputOpen {
		return types.StatusPortAlreadyOpen
	}
	dev.inputOpen = true
	dev.inputCb = cb
	return types.StatusOK
}

func (d *Driver) CloseInputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != inputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil || !dev.inputOpen {
		return types.StatusInvalidPort
	}
	dev.inputOpen = false
	dev.inputCb = nil
	return types.StatusOK
}

func (d *Driver) OpenOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil || !dev.open {
		return types.StatusInvalidDevice
	}
	dev.outOpen = true
	return types.StatusOK
}

func (d *Driver) CloseOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.get(driverDeviceID)
	if dev == nil || !dev.outOpen {
		return types.StatusInvalidPort
	}
	dev.outOpen = false
	return types.StatusOK
}

// HandleUmpInput echoes the batch back through the input callback with
// refreshed timestamps, as if the device answered instantly.
func (d *Driver) HandleUmpInput(driverDeviceID int64, portIndex uint32, events []types.Event) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	dev := d.get(driverDeviceID)
	if dev == nil || !dev.outOpen {
		d.mu.Unlock()
		return types.StatusInvalidPort
	}
	cb := dev.inputCb
	d.mu.Unlock()

	if cb == nil {
		return types.StatusOK
	}
	now := time.Now().UnixNano()
	echoed := make([]types.Event, len(events))
	for i := range events {
		data := make([]uint32, len(events[i].Data))
		copy(data, events[i].Data)
		echoed[i] = types.Event{Timestamp: now, Data: data}
	}
	cb(echoed)
	return types.StatusOK
}
