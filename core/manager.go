package core

import (
	"sync"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/types"
)

// DeviceManager merges per-driver enumeration into one device id space.
// Ids are allocated monotonically and, once bound to a hardware identity
// (driver kind + driver device id), stay stable for the life of the
// process.
type DeviceManager struct {
	log *zap.Logger

	mu             sync.Mutex
	drivers        map[types.DeviceType]Driver
	devices        map[int64]types.DeviceInformation
	driverToDevice map[driverKey]int64
	nextDeviceID   int64

	onChange func(change types.DeviceChange, info types.DeviceInformation)
}

type driverKey struct {
	kind types.DeviceType
	id   int64
}

func NewDeviceManager(log *zap.Logger) *DeviceManager {
	return &DeviceManager{
		log:            log,
		drivers:        make(map[types.DeviceType]Driver),
		devices:        make(map[int64]types.DeviceInformation),
		driverToDevice: make(map[driverKey]int64),
	}
}

// RegisterDriver installs the driver for its transport kind. Exactly one
// driver per kind.
func (m *DeviceManager) RegisterDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Kind()] = d
}

// SetChangeHandler installs the hotplug fan-out target. Called before any
// UpdateDevices.
func (m *DeviceManager) SetChangeHandler(fn func(types.DeviceChange, types.DeviceInformation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// assignLocked binds a stable device id for the driver identity, reusing a
// previously assigned one.
func (m *DeviceManager) assignLocked(kind types.DeviceType, driverDeviceID int64) int64 {
	key := driverKey{kind: kind, id: driverDeviceID}
	if id, ok := m.driverToDevice[key]; ok {
		return id
	}
	m.nextDeviceID++
	m.driverToDevice[key] = m.nextDeviceID
	return m.nextDeviceID
}

// UpdateDevices re-enumerates every driver, updates the device table and
// fires Added/Removed notifications for the diff. Notifications run outside
// the manager lock.
func (m *DeviceManager) UpdateDevices() {
	m.mu.Lock()
	seen := make(map[int64]bool, len(m.devices))
	var added, removed []types.DeviceInformation

	for kind, d := range m.drivers {
		for _, info := range d.Enumerate() {
			info.DeviceType = kind
			info.DeviceID = m.assignLocked(kind, info.DriverDeviceID)
			seen[info.DeviceID] = true
			if _, ok := m.devices[info.DeviceID]; !ok {
				added = append(added, info)
			}
			m.devices[info.DeviceID] = info
		}
	}
	for id, info := range m.devices {
		if !seen[id] {
			removed = append(removed, info)
			delete(m.devices, id)
		}
	}
	onChange := m.onChange
	m.mu.Unlock()

	if onChange == nil {
		return
	}
	for _, info := range added {
		m.log.Info("device added", zap.Int64("deviceId", info.DeviceID))
		onChange(types.DeviceAdded, info)
	}
	for _, info := range removed {
		m.log.Info("device removed", zap.Int64("deviceId", info.DeviceID))
		onChange(types.DeviceRemoved, info)
	}
}

// GetDevices snapshots the current device table.
func (m *DeviceManager) GetDevices() []types.DeviceInformation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeviceInformation, 0, len(m.devices))
	for _, info := range m.devices {
		out = append(out, info)
	}
	return out
}

// GetDevice looks a device up by its stable id.
func (m *DeviceManager) GetDevice(deviceID int64) (types.DeviceInformation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[deviceID]
	return info, ok
}

// GetDevicePorts returns the enumerated ports of one device.
func (m *DeviceManager) GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[deviceID]
	if !ok {
		return nil, types.StatusInvalidDevice
	}
	return info.Ports, types.StatusOK
}

// resolve translates a device id to its driver and driver device id.
func (m *DeviceManager) resolve(deviceID int64) (Driver, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.devices[deviceID]
	if !ok {
		return nil, 0, false
	}
	d, ok := m.drivers[info.DeviceType]
	if !ok {
		return nil, 0, false
	}
	return d, info.DriverDeviceID, true
}

func (m *DeviceManager) OpenDevice(deviceID int64) types.StatusCode {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return types.StatusInvalidDevice
	}
	return d.OpenDevice(driverID)
}

// OpenBleDevice initiates the asynchronous BLE bring-up and maps the driver
// outcome onto the stable device id space before handing it to the
// controller's completion point.
func (m *DeviceManager) OpenBleDevice(addr string, complete func(success bool, deviceID int64, info *types.DeviceInformation)) types.StatusCode {
	m.mu.Lock()
	d, ok := m.drivers[types.DeviceTypeBLE]
	m.mu.Unlock()
	if !ok {
		return types.StatusInvalidArg
	}
	return d.OpenBleDevice(addr, func(opened bool, info *types.DeviceInformation) {
		if !opened || info == nil {
			complete(false, 0, nil)
			return
		}
		m.mu.Lock()
		full := *info
		full.DeviceType = types.DeviceTypeBLE
		full.DeviceID = m.assignLocked(types.DeviceTypeBLE, info.DriverDeviceID)
		m.devices[full.DeviceID] = full
		m.mu.Unlock()
		complete(true, full.DeviceID, &full)
	})
}

func (m *DeviceManager) CloseDevice(deviceID int64) types.StatusCode {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return types.StatusInvalidDevice
	}
	return d.CloseDevice(driverID)
}

// OpenInputPort opens the driver port and returns a connection whose
// Dispatch is installed as the driver's input callback.
func (m *DeviceManager) OpenInputPort(deviceID int64, portIndex uint32) (*InputConnection, types.StatusCode) {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return nil, types.StatusInvalidDevice
	}
	conn := NewInputConnection()
	if code := d.OpenInputPort(driverID, portIndex, conn.Dispatch); code != types.StatusOK {
		return nil, code
	}
	return conn, types.StatusOK
}

func (m *DeviceManager) CloseInputPort(deviceID int64, portIndex uint32) types.StatusCode {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return types.StatusInvalidDevice
	}
	return d.CloseInputPort(driverID, portIndex)
}

// OpenOutputPort opens the driver port and returns a connection whose sink
// feeds the driver's UMP input.
func (m *DeviceManager) OpenOutputPort(deviceID int64, portIndex uint32) (*OutputConnection, types.StatusCode) {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return nil, types.StatusInvalidDevice
	}
	if code := d.OpenOutputPort(driverID, portIndex); code != types.StatusOK {
		return nil, code
	}
	sink := func(events []types.Event) types.StatusCode {
		return d.HandleUmpInput(driverID, portIndex, events)
	}
	return NewOutputConnection(sink, m.log), types.StatusOK
}

func (m *DeviceManager) CloseOutputPort(deviceID int64, portIndex uint32) types.StatusCode {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return types.StatusInvalidDevice
	}
	return d.CloseOutputPort(driverID, portIndex)
}

// HandleUmpInput pushes events straight to the device, bypassing rings.
// Output connections call the driver directly; the service itself does not
// call this.
func (m *DeviceManager) HandleUmpInput(deviceID int64, portIndex uint32, events []types.Event) types.StatusCode {
	d, driverID, ok := m.resolve(deviceID)
	if !ok {
		return types.StatusInvalidDevice
	}
	return d.HandleUmpInput(driverID, portIndex, events)
}
