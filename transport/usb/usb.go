// Package usb adapts the vendor MIDI HDI to the core driver contract. The
// adapter is a synchronous pass-through; the interesting multiplexing lives
// above it.
package usb

import (
	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/types"
)

// HDI is the narrow slice of the vendor USB-MIDI interface the driver
// needs. Implemented by the platform binding, replaced by a fake in tests.
type HDI interface {
	GetDeviceList() ([]types.DeviceInformation, error)
	OpenDevice(deviceID int64) error
	CloseDevice(deviceID int64) error
	OpenInputPort(deviceID int64, portIndex uint32, cb func(events []types.Event)) error
	CloseInputPort(deviceID int64, portIndex uint32) error
	OpenOutputPort(deviceID int64, portIndex uint32) error
	CloseOutputPort(deviceID int64, portIndex uint32) error
	SendMessages(deviceID int64, portIndex uint32, events []types.Event) error
}

// Driver implements core.Driver over an HDI.
type Driver struct {
	hdi HDI
	log *zap.Logger
}

func NewDriver(hdi HDI, log *zap.Logger) *Driver {
	return &Driver{hdi: hdi, log: log}
}

func (d *Driver) Kind() types.DeviceType {
	return types.DeviceTypeUSB
}

func (d *Driver) Enumerate() []types.DeviceInformation {
	list, err := d.hdi.GetDeviceList()
	if err != nil {
		d.log.Error("hdi enumerate failed", zap.Error(err))
		return nil
	}
	out := make([]types.DeviceInformation, 0, len(list))
	for _, info := range list {
		if info.Protocol != types.ProtocolMidi1 && info.Protocol != types.ProtocolMidi2 {
			d.log.Warn("skipping device with unknown protocol",
				zap.Int64("driverDeviceId", info.DriverDeviceID))
			continue
		}
		info.DeviceType = types.DeviceTypeUSB
		out = append(out, info)
	}
	return out
}

func (d *Driver) OpenDevice(driverDeviceID int64) types.StatusCode {
	if err := d.hdi.OpenDevice(driverDeviceID); err != nil {
		d.log.Error("hdi open failed", zap.Int64("driverDeviceId", driverDeviceID), zap.Error(err))
		return types.StatusSystemError
	}
	return types.StatusOK
}

// OpenBleDevice is not a USB operation.
func (d *Driver) OpenBleDevice(addr string, reply core.BleOpenCallback) types.StatusCode {
	return types.StatusInvalidArg
}

func (d *Driver) CloseDevice(driverDeviceID int64) types.StatusCode {
	if err := d.hdi.CloseDevice(driverDeviceID); err != nil {
		d.log.Error("hdi close failed", zap.Int64("driverDeviceId", driverDeviceID), zap.Error(err))
		return types.StatusSystemError
	}
	return types.StatusOK
}

func (d *Driver) OpenInputPort(driverDeviceID int64, portIndex uint32, cb core.InputCallback) types.StatusCode {
	if err := d.hdi.OpenInputPort(driverDeviceID, portIndex, cb); err != nil {
		return types.StatusSystemError
	}
	return types.StatusOK
}

func (d *Driver) CloseInputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if err := d.hdi.CloseInputPort(driverDeviceID, portIndex); err != nil {
		return types.StatusSystemError
	}
	return types.StatusOK
}

func (d *Driver) OpenOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if err := d.hdi.OpenOutputPort(driverDeviceID, portIndex); err != nil {
		return types.StatusSystemError
	}
	return types.StatusOK
}

func (d *Driver) CloseOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if err := d.hdi.CloseOutputPort(driverDeviceID, portIndex); err != nil {
		return types.StatusSystemError
	}
	return types.StatusOK
}

func (d *Driver) HandleUmpInput(driverDeviceID int64, portIndex uint32, events []types.Event) types.StatusCode {
	if err := d.hdi.SendMessages(driverDeviceID, portIndex, events); err != nil {
		return types.StatusSystemError
	}
	return types.StatusOK
}
