package ble

import (
	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/types"
	"github.com/umpbridge/umpd-go/ump"
)

// maxValueSize bounds one attribute value; larger payloads are dropped
// rather than parsed.
const maxValueSize = 512

// onNotification is the ingress path: BLE attribute value -> canonical
// MIDI 1.0 bytes -> Type 1/2 UMP -> input callback.
func (d *Driver) onNotification(connID int32, serviceUUID, charUUID string, value []byte) {
	if !uuidEqual(serviceUUID, MidiServiceUUID) || !uuidEqual(charUUID, MidiCharUUID) {
		return
	}
	if len(value) == 0 || len(value) > maxValueSize {
		return
	}

	d.mu.Lock()
	ctx, ok := d.devices[connID]
	var deliver func(events []types.Event)
	if ok && ctx.inputOpen && ctx.state == stateReady {
		deliver = ctx.inputCb
	}
	d.mu.Unlock()
	if deliver == nil {
		return
	}

	midi1 := ump.DecodeBleStream(value)
	if len(midi1) == 0 {
		return
	}
	words := ump.FromMidi1(inputPortIndex&0x0F, midi1)
	if len(words) == 0 {
		d.log.Debug("ble value produced no ump words", zap.Int32("connId", connID))
		return
	}
	deliver([]types.Event{{Timestamp: d.now(), Data: words}})
}

// HandleUmpInput is the egress path: UMP -> MIDI 1.0 byte stream -> write
// without response to the MIDI data characteristic.
func (d *Driver) HandleUmpInput(driverDeviceID int64, portIndex uint32, events []types.Event) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	connID := int32(driverDeviceID)

	d.mu.Lock()
	ctx, ok := d.devices[connID]
	if !ok {
		d.mu.Unlock()
		return types.StatusInvalidDevice
	}
	if !ctx.outputOpen || ctx.state != stateReady {
		d.mu.Unlock()
		return types.StatusInvalidPort
	}
	d.mu.Unlock()

	for i := range events {
		midi1 := ump.ToMidi1(events[i].Data)
		if len(midi1) == 0 {
			continue
		}
		value := ump.EncodeBleStream(midi1, events[i].Timestamp/int64(1e6))
		if err := d.gatt.WriteNoResponse(connID, MidiServiceUUID, MidiCharUUID, value); err != nil {
			d.log.Error("ble write failed", zap.Int32("connId", connID), zap.Error(err))
			return types.StatusSystemError
		}
	}
	return types.StatusOK
}
