// Package client is the application-side library: it registers with the
// service, opens devices and ports, runs the per-input-port receiver thread
// and implements the bounded SysEx send path over the shared output ring.
package client

import (
	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// Notifications is the set of callbacks a client can register for
// service-side events. Any field may be nil.
type Notifications struct {
	OnDeviceChange func(change types.DeviceChange, info types.DeviceInformation)
	OnError        func(code types.StatusCode)
}

// DeviceOpened reports an asynchronous BLE open outcome. info is nil when
// opened is false; the caller must check opened before touching it.
type DeviceOpened func(opened bool, info *types.DeviceInformation)

// Service is the client's view of the controller. Implemented in-process
// over core.Core (tests, single-process deployments) and over the HTTP API
// (separate processes).
type Service interface {
	CreateClient(notify Notifications) (uint32, types.StatusCode)
	GetDevices() ([]types.DeviceInformation, types.StatusCode)
	GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode)
	OpenDevice(clientID uint32, deviceID int64) types.StatusCode
	OpenBleDevice(clientID uint32, addr string, reply DeviceOpened) types.StatusCode
	CloseDevice(clientID uint32, deviceID int64) types.StatusCode
	OpenInputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode)
	OpenOutputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode)
	CloseInputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode
	CloseOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode
	FlushOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode
	DestroyClient(clientID uint32) types.StatusCode
}
