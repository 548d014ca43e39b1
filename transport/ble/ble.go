package ble

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/types"
)

// Bring-up stages of one BLE MIDI device. The device is reported open only
// from ready.
type connState int

const (
	stateConnecting connState = iota
	stateDiscovering
	stateRegistering
	stateReady
)

// The standard BLE-MIDI port layout: port 0 carries host-to-device data,
// port 1 device-to-host.
const (
	outputPortIndex = 0
	inputPortIndex  = 1
)

type deviceCtx struct {
	connID int32
	addr   string
	state  connState
	reply  core.BleOpenCallback

	inputOpen  bool
	inputCb    core.InputCallback
	outputOpen bool
}

// Driver implements core.Driver for BLE MIDI devices over an abstract GATT
// stack. Driver device ids are the GATT registration ids.
type Driver struct {
	gatt Gatt
	log  *zap.Logger
	now  func() int64 // event timestamp source, ns

	mu      sync.Mutex
	devices map[int32]*deviceCtx
}

func NewDriver(gatt Gatt, log *zap.Logger) *Driver {
	return &Driver{
		gatt:    gatt,
		log:     log,
		now:     func() int64 { return time.Now().UnixNano() },
		devices: make(map[int32]*deviceCtx),
	}
}

// Callbacks returns the callback table to install into the GATT stack.
func (d *Driver) Callbacks() *Callbacks {
	return &Callbacks{
		OnConnectionState: d.onConnectionState,
		OnSearchComplete:  d.onSearchComplete,
		OnRegisterNotify:  d.onRegisterNotify,
		OnNotification:    d.onNotification,
		OnWriteComplete:   d.onWriteComplete,
	}
}

func (d *Driver) Kind() types.DeviceType {
	return types.DeviceTypeBLE
}

func blePorts() []types.PortInformation {
	return []types.PortInformation{
		{PortIndex: outputPortIndex, Name: "BLE-MIDI Out", Direction: types.PortDirectionOutput, Protocol: types.ProtocolMidi1},
		{PortIndex: inputPortIndex, Name: "BLE-MIDI In", Direction: types.PortDirectionInput, Protocol: types.ProtocolMidi1},
	}
}

func deviceInfo(ctx *deviceCtx) *types.DeviceInformation {
	return &types.DeviceInformation{
		DriverDeviceID: int64(ctx.connID),
		DeviceType:     types.DeviceTypeBLE,
		Protocol:       types.ProtocolMidi1,
		Address:        ctx.addr,
		Ports:          blePorts(),
	}
}

func (d *Driver) Enumerate() []types.DeviceInformation {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.DeviceInformation
	for _, ctx := range d.devices {
		if ctx.state == stateReady {
			out = append(out, *deviceInfo(ctx))
		}
	}
	return out
}

// OpenDevice by id is not a BLE operation; opens go through the address
// variant.
func (d *Driver) OpenDevice(driverDeviceID int64) types.StatusCode {
	return types.StatusInvalidArg
}

// OpenBleDevice starts the asynchronous bring-up. The immediate status only
// covers initiation; reply fires exactly once unless initiation fails.
func (d *Driver) OpenBleDevice(addr string, reply core.BleOpenCallback) types.StatusCode {
	mac, ok := ParseMac(addr)
	if !ok {
		d.log.Error("bad ble address", zap.String("addr", types.EncryptAddr(addr)))
		return types.StatusInvalidArg
	}

	d.mu.Lock()
	for _, ctx := range d.devices {
		if ctx.addr == addr {
			d.mu.Unlock()
			d.log.Warn("ble device already has a context",
				zap.String("addr", types.EncryptAddr(addr)))
			return types.StatusDeviceAlreadyOpen
		}
	}

	connID, err := d.gatt.Register(appUUID, d.Callbacks())
	if err != nil {
		d.mu.Unlock()
		d.log.Error("gatt register failed", zap.Error(err))
		return types.StatusSystemError
	}
	ctx := &deviceCtx{connID: connID, addr: addr, state: stateConnecting, reply: reply}
	d.devices[connID] = ctx
	d.mu.Unlock()

	if err := d.gatt.Connect(connID, mac); err != nil {
		d.log.Error("gatt connect failed",
			zap.String("addr", types.EncryptAddr(addr)), zap.Error(err))
		d.mu.Lock()
		delete(d.devices, connID)
		d.mu.Unlock()
		d.gatt.Unregister(connID)
		return types.StatusSystemError
	}
	d.log.Info("ble connect initiated",
		zap.Int32("connId", connID), zap.String("addr", types.EncryptAddr(addr)))
	return types.StatusOK
}

// fail tears the context down and reports failure to the open requester.
// Caller must not hold the driver lock.
func (d *Driver) fail(connID int32) {
	d.mu.Lock()
	ctx, ok := d.devices[connID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.devices, connID)
	d.mu.Unlock()

	d.gatt.Disconnect(connID)
	d.gatt.Unregister(connID)
	if ctx.reply != nil {
		ctx.reply(false, nil)
	}
}

func (d *Driver) onConnectionState(connID int32, connected bool, status int32) {
	d.log.Info("connection state",
		zap.Int32("connId", connID), zap.Bool("connected", connected), zap.Int32("status", status))

	if !connected || status != 0 {
		d.mu.Lock()
		ctx, ok := d.devices[connID]
		if !ok {
			// Already torn down by an earlier failure path.
			d.mu.Unlock()
			return
		}
		delete(d.devices, connID)
		d.mu.Unlock()
		d.gatt.Unregister(connID)
		if ctx.reply != nil {
			ctx.reply(false, nil)
		}
		return
	}

	d.mu.Lock()
	ctx, ok := d.devices[connID]
	if !ok {
		d.mu.Unlock()
		return
	}
	ctx.state = stateDiscovering
	d.mu.Unlock()

	if err := d.gatt.SearchServices(connID); err != nil {
		d.log.Error("service discovery start failed", zap.Error(err))
		d.fail(connID)
	}
}

func (d *Driver) onSearchComplete(connID int32, status int32) {
	d.log.Info("service discovery complete", zap.Int32("connId", connID), zap.Int32("status", status))
	if status != 0 {
		d.fail(connID)
		return
	}
	if !d.gatt.HasService(connID, MidiServiceUUID) {
		d.log.Error("midi service not found", zap.Int32("connId", connID))
		d.fail(connID)
		return
	}

	d.mu.Lock()
	if ctx, ok := d.devices[connID]; ok {
		ctx.state = stateRegistering
	}
	d.mu.Unlock()

	if err := d.gatt.RegisterNotification(connID, MidiServiceUUID, MidiCharUUID); err != nil {
		d.log.Error("register notification failed", zap.Error(err))
		d.fail(connID)
	}
}

func (d *Driver) onRegisterNotify(connID int32, status int32) {
	d.log.Info("register notify", zap.Int32("connId", connID), zap.Int32("status", status))
	if status != 0 {
		d.fail(connID)
		return
	}

	d.mu.Lock()
	ctx, ok := d.devices[connID]
	if !ok {
		d.mu.Unlock()
		return
	}
	ctx.state = stateReady
	info := deviceInfo(ctx)
	reply := ctx.reply
	d.mu.Unlock()

	// The device is fully online; this is the only success report.
	if reply != nil {
		reply(true, info)
	}
}

func (d *Driver) onWriteComplete(connID int32, status int32) {
	if status != 0 {
		d.log.Error("ble write failed", zap.Int32("connId", connID), zap.Int32("status", status))
	}
}

func (d *Driver) CloseDevice(driverDeviceID int64) types.StatusCode {
	connID := int32(driverDeviceID)
	d.mu.Lock()
	_, ok := d.devices[connID]
	if !ok {
		d.mu.Unlock()
		return types.StatusInvalidDevice
	}
	delete(d.devices, connID)
	d.mu.Unlock()

	d.gatt.Disconnect(connID)
	d.gatt.Unregister(connID)
	d.log.Info("ble device closed", zap.Int32("connId", connID))
	return types.StatusOK
}

func (d *Driver) OpenInputPort(driverDeviceID int64, portIndex uint32, cb core.InputCallback) types.StatusCode {
	if portIndex != inputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.devices[int32(driverDeviceID)]
	if !ok {
		return types.StatusInvalidDevice
	}
	if ctx.inputOpen {
		return types.StatusPortAlreadyOpen
	}
	ctx.inputOpen = true
	ctx.inputCb = cb
	return types.StatusOK
}

func (d *Driver) CloseInputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != inputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.devices[int32(driverDeviceID)]
	if !ok {
		return types.StatusInvalidDevice
	}
	if !ctx.inputOpen {
		return types.StatusInvalidPort
	}
	ctx.inputOpen = false
	ctx.inputCb = nil
	return types.StatusOK
}

func (d *Driver) OpenOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.devices[int32(driverDeviceID)]
	if !ok {
		return types.StatusInvalidDevice
	}
	if ctx.outputOpen {
		return types.StatusPortAlreadyOpen
	}
	ctx.outputOpen = true
	return types.StatusOK
}

func (d *Driver) CloseOutputPort(driverDeviceID int64, portIndex uint32) types.StatusCode {
	if portIndex != outputPortIndex {
		return types.StatusInvalidPort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, ok := d.devices[int32(driverDeviceID)]
	if !ok {
		return types.StatusInvalidDevice
	}
	if !ctx.outputOpen {
		return types.StatusInvalidPort
	}
	ctx.outputOpen = false
	return types.StatusOK
}
