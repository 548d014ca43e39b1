package core

import "github.com/umpbridge/umpd-go/types"

// Transport driver interfaces live here, not in the transport packages, so
// the core stays buildable without any transport and tests can inject fakes.

// InputCallback delivers received UMP events from a driver to the owning
// input connection. The event payloads are only valid for the duration of
// the call.
type InputCallback func(events []types.Event)

// BleOpenCallback reports the outcome of an asynchronous BLE device open.
// It fires exactly once per initiated open. info is nil when opened is
// false.
type BleOpenCallback func(opened bool, info *types.DeviceInformation)

// Driver is the per-transport capability the service multiplexes. All
// operations are synchronous except OpenBleDevice, which completes through
// its callback.
type Driver interface {
	Kind() types.DeviceType

	// Enumerate snapshots currently attached devices.
	Enumerate() []types.DeviceInformation

	// OpenDevice opens by driver device id. BLE transports reject this and
	// use OpenBleDevice instead.
	OpenDevice(driverDeviceID int64) types.StatusCode

	// OpenBleDevice initiates an asynchronous connect to addr. The returned
	// status only covers initiation; reply fires exactly once afterwards,
	// and never from within the OpenBleDevice call itself (the controller
	// holds its session lock across initiation).
	OpenBleDevice(addr string, reply BleOpenCallback) types.StatusCode

	CloseDevice(driverDeviceID int64) types.StatusCode

	OpenInputPort(driverDeviceID int64, portIndex uint32, cb InputCallback) types.StatusCode
	CloseInputPort(driverDeviceID int64, portIndex uint32) types.StatusCode
	OpenOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode
	CloseOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode

	// HandleUmpInput pushes UMP events out to the hardware.
	HandleUmpInput(driverDeviceID int64, portIndex uint32, events []types.Event) types.StatusCode
}

// ClientNotifier is the callback port back to one client process. Calls are
// made outside the session lock; ordering per client follows call order.
type ClientNotifier interface {
	NotifyDeviceChange(change types.DeviceChange, info types.DeviceInformation)
	NotifyError(code types.StatusCode)
}
