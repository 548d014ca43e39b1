// Package core holds the session controller: the single mutator of the
// {clients, devices, ports} graph. One coarse lock guards the client table,
// the device client contexts, the BLE open bookkeeping and the per-client
// resource accounting. Driver calls that can re-enter the controller run
// after the lock is released.
package core

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// Resource limits. These are wire contract; tests pin the exact boundaries.
const (
	MaxClients          = 8
	MaxClientsPerApp    = 2
	MaxDevicesPerClient = 16
	MaxPortsPerClient   = 64
)

// DefaultRingCapacity is the shared ring size handed to each (client, port)
// attachment unless configured otherwise.
const DefaultRingCapacity = 64 * 1024

// Client is one registered client process.
type Client struct {
	ID     uint32
	UID    uint32
	notify ClientNotifier
}

// resourceInfo tracks per-client quota state.
type resourceInfo struct {
	uid         uint32
	openDevices map[int64]struct{}
	portCount   uint32
}

// deviceClientContext aggregates everything attached to one opened device.
// A context exists iff it has at least one client.
type deviceClientContext struct {
	deviceID int64
	clients  map[uint32]struct{}
	inputs   map[uint32]*InputConnection
	outputs  map[uint32]*OutputConnection
}

type pendingBle struct {
	clientID uint32
	reply    BleOpenCallback
}

// RingFactory builds the shared ring for one (client, port) attachment.
// Swapped for heap-backed rings in tests.
type RingFactory func(clientID uint32, deviceID int64, portIndex uint32, dir types.PortDirection) (*ring.Ring, error)

// Core is the session controller.
type Core struct {
	log     *zap.Logger
	manager *DeviceManager

	mu         sync.Mutex // the session lock
	clients    map[uint32]*Client
	contexts   map[int64]*deviceClientContext
	activeBle  map[string]int64
	pendingBle map[string][]pendingBle
	resources  map[uint32]*resourceInfo
	appClients map[uint32]map[uint32]struct{}

	currentClientID uint32

	ringCapacity uint32
	newRing      RingFactory

	btAllowed func(uid uint32) bool

	unload unloadWorker
}

// New builds a controller over the given device manager and wires the
// hotplug fan-out back into itself.
func New(manager *DeviceManager, log *zap.Logger) *Core {
	c := &Core{
		log:          log,
		manager:      manager,
		clients:      make(map[uint32]*Client),
		contexts:     make(map[int64]*deviceClientContext),
		activeBle:    make(map[string]int64),
		pendingBle:   make(map[string][]pendingBle),
		resources:    make(map[uint32]*resourceInfo),
		appClients:   make(map[uint32]map[uint32]struct{}),
		ringCapacity: DefaultRingCapacity,
		btAllowed:    func(uint32) bool { return true },
	}
	c.newRing = c.defaultRing
	c.unload.init(log)
	manager.SetChangeHandler(c.NotifyDeviceChange)
	return c
}

// Manager exposes the device manager for enumeration surfaces.
func (c *Core) Manager() *DeviceManager {
	return c.manager
}

// SetRingCapacity overrides the per-attachment ring size. Power of two, at
// least one page.
func (c *Core) SetRingCapacity(capacity uint32) {
	c.ringCapacity = capacity
}

// SetRingFactory replaces the shared-memory ring allocator.
func (c *Core) SetRingFactory(f RingFactory) {
	c.newRing = f
}

// SetBluetoothPermission installs the per-uid Bluetooth permission check
// applied before BLE device opens.
func (c *Core) SetBluetoothPermission(fn func(uid uint32) bool) {
	c.btAllowed = fn
}

func (c *Core) defaultRing(clientID uint32, deviceID int64, portIndex uint32, dir types.PortDirection) (*ring.Ring, error) {
	tag := "in"
	if dir == types.PortDirectionOutput {
		tag = "out"
	}
	return ring.Create(fmt.Sprintf("%d_%d_%d_%s", clientID, deviceID, portIndex, tag), c.ringCapacity)
}

// CreateClient registers a new client for the application uid. The caller
// wires peer-death detection so that peer exit ends up in DestroyClient.
func (c *Core) CreateClient(uid uint32, notify ClientNotifier) (uint32, types.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unload.cancel()

	if len(c.clients) >= MaxClients {
		c.log.Error("client limit reached", zap.Int("max", MaxClients))
		return 0, types.StatusTooManyClients
	}
	if len(c.appClients[uid]) >= MaxClientsPerApp {
		c.log.Error("per-app client limit reached", zap.Uint32("uid", uid))
		return 0, types.StatusTooManyClients
	}

	// Monotonic id, wrapping and skipping ids still in use.
	var id uint32
	for {
		if c.currentClientID == math.MaxUint32 {
			c.currentClientID = 0
		}
		c.currentClientID++
		id = c.currentClientID
		if _, used := c.clients[id]; !used {
			break
		}
	}

	c.clients[id] = &Client{ID: id, UID: uid, notify: notify}
	c.resources[id] = &resourceInfo{uid: uid, openDevices: make(map[int64]struct{})}
	if c.appClients[uid] == nil {
		c.appClients[uid] = make(map[uint32]struct{})
	}
	c.appClients[uid][id] = struct{}{}

	c.log.Info("client created", zap.Uint32("clientId", id), zap.Uint32("uid", uid))
	return id, types.StatusOK
}

// GetDevices snapshots the enumerated devices.
func (c *Core) GetDevices() []types.DeviceInformation {
	return c.manager.GetDevices()
}

// GetDevicePorts lists one device's ports.
func (c *Core) GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode) {
	return c.manager.GetDevicePorts(deviceID)
}

func (c *Core) isBleDeviceLocked(deviceID int64) bool {
	for _, id := range c.activeBle {
		if id == deviceID {
			return true
		}
	}
	return false
}

// OpenDevice attaches the client to the device, opening it in the driver on
// first attach.
func (c *Core) OpenDevice(clientID uint32, deviceID int64) types.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[clientID]
	if !ok {
		return types.StatusInvalidClient
	}
	res := c.resources[clientID]

	if c.isBleDeviceLocked(deviceID) && !c.btAllowed(client.UID) {
		c.log.Error("bluetooth permission denied", zap.Int64("deviceId", deviceID))
		return types.StatusPermissionDenied
	}

	ctx, shared := c.contexts[deviceID]
	if shared {
		if _, open := ctx.clients[clientID]; open {
			return types.StatusDeviceAlreadyOpen
		}
	}

	if len(res.openDevices) >= MaxDevicesPerClient {
		c.log.Error("device limit reached", zap.Uint32("clientId", clientID))
		return types.StatusTooManyOpenDevices
	}

	if shared {
		ctx.clients[clientID] = struct{}{}
		res.openDevices[deviceID] = struct{}{}
		c.log.Info("client joined open device",
			zap.Int64("deviceId", deviceID), zap.Uint32("clientId", clientID))
		return types.StatusOK
	}

	if code := c.manager.OpenDevice(deviceID); code != types.StatusOK {
		c.log.Error("driver open failed",
			zap.Int64("deviceId", deviceID), zap.Int32("status", int32(code)))
		return code
	}

	c.contexts[deviceID] = &deviceClientContext{
		deviceID: deviceID,
		clients:  map[uint32]struct{}{clientID: {}},
		inputs:   make(map[uint32]*InputConnection),
		outputs:  make(map[uint32]*OutputConnection),
	}
	res.openDevices[deviceID] = struct{}{}
	c.log.Info("device opened", zap.Int64("deviceId", deviceID), zap.Uint32("clientId", clientID))
	return types.StatusOK
}

// OpenBleDevice coalesces concurrent opens per address: the first requester
// initiates the driver connect, later ones only join the pending list. When
// the address is already live the client joins the existing device and the
// reply fires before return.
func (c *Core) OpenBleDevice(clientID uint32, addr string, reply BleOpenCallback) types.StatusCode {
	c.log.Info("open ble device",
		zap.Uint32("clientId", clientID), zap.String("addr", types.EncryptAddr(addr)))

	c.mu.Lock()
	client, ok := c.clients[clientID]
	if !ok {
		c.mu.Unlock()
		return types.StatusInvalidClient
	}
	if !c.btAllowed(client.UID) {
		c.mu.Unlock()
		return types.StatusPermissionDenied
	}

	if deviceID, active := c.activeBle[addr]; active {
		if ctx, ok := c.contexts[deviceID]; ok {
			ctx.clients[clientID] = struct{}{}
			c.resources[clientID].openDevices[deviceID] = struct{}{}
			info, _ := c.manager.GetDevice(deviceID)
			c.mu.Unlock()
			reply(true, &info)
			return types.StatusOK
		}
	}

	first := len(c.pendingBle[addr]) == 0
	c.pendingBle[addr] = append(c.pendingBle[addr], pendingBle{clientID: clientID, reply: reply})
	if !first {
		c.log.Info("joined pending ble connect", zap.String("addr", types.EncryptAddr(addr)))
		c.mu.Unlock()
		return types.StatusOK
	}

	code := c.manager.OpenBleDevice(addr, func(success bool, deviceID int64, info *types.DeviceInformation) {
		c.handleBleOpenComplete(addr, success, deviceID, info)
	})
	if code != types.StatusOK {
		delete(c.pendingBle, addr)
		c.mu.Unlock()
		c.log.Error("ble open initiation failed", zap.Int32("status", int32(code)))
		return code
	}
	c.mu.Unlock()
	return types.StatusOK
}

// handleBleOpenComplete is the controller-side completion point of the BLE
// open state machine. Every pending requester for the address is notified
// with the same outcome, outside the lock.
func (c *Core) handleBleOpenComplete(addr string, success bool, deviceID int64, info *types.DeviceInformation) {
	c.log.Info("ble open complete",
		zap.String("addr", types.EncryptAddr(addr)), zap.Bool("success", success),
		zap.Int64("deviceId", deviceID))

	var waiting []pendingBle
	closeNow := false

	c.mu.Lock()
	waiting = c.pendingBle[addr]
	delete(c.pendingBle, addr)

	if success {
		c.activeBle[addr] = deviceID
		clients := make(map[uint32]struct{})
		for _, p := range waiting {
			if _, alive := c.clients[p.clientID]; alive {
				clients[p.clientID] = struct{}{}
				c.resources[p.clientID].openDevices[deviceID] = struct{}{}
			}
		}
		if len(clients) > 0 {
			c.contexts[deviceID] = &deviceClientContext{
				deviceID: deviceID,
				clients:  clients,
				inputs:   make(map[uint32]*InputConnection),
				outputs:  make(map[uint32]*OutputConnection),
			}
		} else {
			// Everyone died between open and completion.
			c.log.Warn("all waiting clients died before ble connected")
			delete(c.activeBle, addr)
			closeNow = true
		}
	}
	c.mu.Unlock()

	if closeNow {
		c.manager.CloseDevice(deviceID)
	}
	for _, p := range waiting {
		if p.reply != nil {
			p.reply(success, info)
		}
	}
}

// OpenInputPort attaches the client to the device's input port, creating the
// connection (and opening the driver port) on first attach. The returned
// ring is the client's read side.
func (c *Core) OpenInputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, res, code := c.portPreamble(clientID, deviceID)
	if code != types.StatusOK {
		return nil, code
	}

	if conn, ok := ctx.inputs[portIndex]; ok {
		if conn.HasClient(clientID) {
			return nil, types.StatusPortAlreadyOpen
		}
		r, err := c.newRing(clientID, deviceID, portIndex, types.PortDirectionInput)
		if err != nil {
			c.log.Error("ring allocation failed", zap.Error(err))
			return nil, types.StatusSystemError
		}
		conn.AddClient(clientID, r)
		res.portCount++
		return r, types.StatusOK
	}

	if res.portCount >= MaxPortsPerClient {
		c.log.Error("port limit reached", zap.Uint32("clientId", clientID))
		return nil, types.StatusTooManyOpenPorts
	}

	conn, code := c.manager.OpenInputPort(deviceID, portIndex)
	if code != types.StatusOK {
		c.log.Error("open input port failed", zap.Int32("status", int32(code)))
		return nil, code
	}
	r, err := c.newRing(clientID, deviceID, portIndex, types.PortDirectionInput)
	if err != nil {
		c.manager.CloseInputPort(deviceID, portIndex)
		c.log.Error("ring allocation failed", zap.Error(err))
		return nil, types.StatusSystemError
	}
	conn.AddClient(clientID, r)
	res.portCount++
	ctx.inputs[portIndex] = conn
	c.log.Info("input port opened",
		zap.Int64("deviceId", deviceID), zap.Uint32("port", portIndex), zap.Uint32("clientId", clientID))
	return r, types.StatusOK
}

// OpenOutputPort is the output-side mirror: the connection gets a dedicated
// worker draining every attached client ring into the driver.
func (c *Core) OpenOutputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, res, code := c.portPreamble(clientID, deviceID)
	if code != types.StatusOK {
		return nil, code
	}

	if conn, ok := ctx.outputs[portIndex]; ok {
		if conn.HasClient(clientID) {
			return nil, types.StatusPortAlreadyOpen
		}
		r, err := c.newRing(clientID, deviceID, portIndex, types.PortDirectionOutput)
		if err != nil {
			c.log.Error("ring allocation failed", zap.Error(err))
			return nil, types.StatusSystemError
		}
		conn.AddClient(clientID, r)
		res.portCount++
		return r, types.StatusOK
	}

	if res.portCount >= MaxPortsPerClient {
		c.log.Error("port limit reached", zap.Uint32("clientId", clientID))
		return nil, types.StatusTooManyOpenPorts
	}

	conn, code := c.manager.OpenOutputPort(deviceID, portIndex)
	if code != types.StatusOK {
		c.log.Error("open output port failed", zap.Int32("status", int32(code)))
		return nil, code
	}
	r, err := c.newRing(clientID, deviceID, portIndex, types.PortDirectionOutput)
	if err != nil {
		c.manager.CloseOutputPort(deviceID, portIndex)
		c.log.Error("ring allocation failed", zap.Error(err))
		return nil, types.StatusSystemError
	}
	conn.Start()
	conn.AddClient(clientID, r)
	res.portCount++
	ctx.outputs[portIndex] = conn
	c.log.Info("output port opened",
		zap.Int64("deviceId", deviceID), zap.Uint32("port", portIndex), zap.Uint32("clientId", clientID))
	return r, types.StatusOK
}

// portPreamble runs the shared validation of every port operation. Caller
// holds the session lock.
func (c *Core) portPreamble(clientID uint32, deviceID int64) (*deviceClientContext, *resourceInfo, types.StatusCode) {
	if _, ok := c.clients[clientID]; !ok {
		return nil, nil, types.StatusInvalidClient
	}
	ctx, ok := c.contexts[deviceID]
	if !ok {
		return nil, nil, types.StatusInvalidDevice
	}
	if _, open := ctx.clients[clientID]; !open {
		return nil, nil, types.StatusInvalidDevice
	}
	return ctx, c.resources[clientID], types.StatusOK
}

// CloseInputPort detaches the client; the driver port closes when the last
// client leaves.
func (c *Core) CloseInputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; !ok {
		return types.StatusInvalidClient
	}
	return c.closeInputPortLocked(clientID, deviceID, portIndex, true)
}

func (c *Core) closeInputPortLocked(clientID uint32, deviceID int64, portIndex uint32, strict bool) types.StatusCode {
	ctx, ok := c.contexts[deviceID]
	if !ok {
		return types.StatusInvalidDevice
	}
	if _, open := ctx.clients[clientID]; !open {
		return types.StatusInvalidArg
	}
	conn, ok := ctx.inputs[portIndex]
	if !ok || !conn.HasClient(clientID) {
		if strict {
			return types.StatusInvalidPort
		}
		return types.StatusOK
	}
	r := conn.RemoveClient(clientID)
	if r != nil {
		ring.WakePreExit(r.Futex())
		ring.Remove(r)
		r.Close()
		c.resources[clientID].portCount--
	}
	if conn.Empty() {
		if code := c.manager.CloseInputPort(deviceID, portIndex); code != types.StatusOK {
			c.log.Error("driver close input port failed", zap.Int32("status", int32(code)))
		}
		delete(ctx.inputs, portIndex)
	}
	return types.StatusOK
}

// CloseOutputPort mirrors CloseInputPort; the worker joins before the
// driver port closes.
func (c *Core) CloseOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; !ok {
		return types.StatusInvalidClient
	}
	return c.closeOutputPortLocked(clientID, deviceID, portIndex, true)
}

func (c *Core) closeOutputPortLocked(clientID uint32, deviceID int64, portIndex uint32, strict bool) types.StatusCode {
	ctx, ok := c.contexts[deviceID]
	if !ok {
		return types.StatusInvalidDevice
	}
	if _, open := ctx.clients[clientID]; !open {
		return types.StatusInvalidArg
	}
	conn, ok := ctx.outputs[portIndex]
	if !ok || !conn.HasClient(clientID) {
		if strict {
			return types.StatusInvalidPort
		}
		return types.StatusOK
	}
	r := conn.RemoveClient(clientID)
	if r != nil {
		ring.Remove(r)
		r.Close()
		c.resources[clientID].portCount--
	}
	if conn.Empty() {
		conn.Stop()
		if code := c.manager.CloseOutputPort(deviceID, portIndex); code != types.StatusOK {
			c.log.Error("driver close output port failed", zap.Int32("status", int32(code)))
		}
		delete(ctx.outputs, portIndex)
	}
	return types.StatusOK
}

// FlushOutputPort drops events the client has queued but the connection
// worker has not yet dispatched.
func (c *Core) FlushOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; !ok {
		return types.StatusInvalidClient
	}
	ctx, ok := c.contexts[deviceID]
	if !ok {
		return types.StatusInvalidDevice
	}
	conn, ok := ctx.outputs[portIndex]
	if !ok || !conn.HasClient(clientID) {
		return types.StatusInvalidPort
	}
	conn.Flush(clientID)
	return types.StatusOK
}

// closeAllPortsForClientLocked closes every port attachment the client has
// on the context's device.
func (c *Core) closeAllPortsForClientLocked(clientID uint32, ctx *deviceClientContext) {
	for portIndex := range snapshotKeys(ctx.inputs) {
		c.closeInputPortLocked(clientID, ctx.deviceID, portIndex, false)
	}
	for portIndex := range snapshotKeys(ctx.outputs) {
		c.closeOutputPortLocked(clientID, ctx.deviceID, portIndex, false)
	}
}

// snapshotKeys copies map keys so the caller can mutate while ranging.
func snapshotKeys[V any](m map[uint32]V) map[uint32]struct{} {
	out := make(map[uint32]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// CloseDevice closes the client's ports on the device and detaches it. The
// driver close runs after the lock drops because it can fire device-change
// callbacks back into the controller.
func (c *Core) CloseDevice(clientID uint32, deviceID int64) types.StatusCode {
	c.mu.Lock()
	if _, ok := c.clients[clientID]; !ok {
		c.mu.Unlock()
		return types.StatusInvalidClient
	}
	ctx, ok := c.contexts[deviceID]
	if !ok {
		c.mu.Unlock()
		return types.StatusInvalidDevice
	}
	if _, open := ctx.clients[clientID]; !open {
		c.mu.Unlock()
		return types.StatusInvalidDevice
	}

	c.closeAllPortsForClientLocked(clientID, ctx)
	delete(ctx.clients, clientID)
	delete(c.resources[clientID].openDevices, deviceID)
	c.log.Info("client detached from device",
		zap.Int64("deviceId", deviceID), zap.Uint32("clientId", clientID))

	if len(ctx.clients) > 0 {
		c.mu.Unlock()
		return types.StatusOK
	}

	delete(c.contexts, deviceID)
	for addr, id := range c.activeBle {
		if id == deviceID {
			delete(c.activeBle, addr)
			break
		}
	}
	c.mu.Unlock()

	if code := c.manager.CloseDevice(deviceID); code != types.StatusOK {
		c.log.Error("driver close device failed",
			zap.Int64("deviceId", deviceID), zap.Int32("status", int32(code)))
		return code
	}
	c.log.Info("device closed", zap.Int64("deviceId", deviceID))
	return types.StatusOK
}

// DestroyClient tears down everything the client holds. Runs in three
// phases so driver device closes never happen under the session lock: the
// graph walk under the lock, the driver closes outside it, the cleanup
// under the lock again. Peer-death watchers land here too.
func (c *Core) DestroyClient(clientID uint32) types.StatusCode {
	c.log.Info("destroy client", zap.Uint32("clientId", clientID))

	var devicesToClose, devicesToClean []int64
	var uid uint32

	c.mu.Lock()
	if _, ok := c.clients[clientID]; !ok {
		c.mu.Unlock()
		return types.StatusInvalidClient
	}
	for deviceID, ctx := range c.contexts {
		if _, in := ctx.clients[clientID]; in {
			if len(ctx.clients) == 1 {
				devicesToClose = append(devicesToClose, deviceID)
			}
			devicesToClean = append(devicesToClean, deviceID)
		}
	}
	if res, ok := c.resources[clientID]; ok {
		uid = res.uid
	}
	delete(c.clients, clientID)
	c.mu.Unlock()

	for _, deviceID := range devicesToClose {
		c.manager.CloseDevice(deviceID)
	}

	c.mu.Lock()
	for _, deviceID := range devicesToClean {
		c.cleanupDeviceForClientLocked(clientID, deviceID)
	}
	if app, ok := c.appClients[uid]; ok {
		delete(app, clientID)
		if len(app) == 0 {
			delete(c.appClients, uid)
		}
	}
	delete(c.resources, clientID)
	lastClient := len(c.clients) == 0
	c.mu.Unlock()

	c.log.Info("client destroyed", zap.Uint32("clientId", clientID))
	if lastClient {
		c.unload.schedule()
	}
	return types.StatusOK
}

func (c *Core) cleanupDeviceForClientLocked(clientID uint32, deviceID int64) {
	ctx, ok := c.contexts[deviceID]
	if !ok {
		return
	}
	c.closeAllPortsForClientLocked(clientID, ctx)
	delete(ctx.clients, clientID)
	if len(ctx.clients) > 0 {
		return
	}
	delete(c.contexts, deviceID)
	for addr, id := range c.activeBle {
		if id == deviceID {
			delete(c.activeBle, addr)
			break
		}
	}
}

// NotifyDeviceChange fans a hotplug event out to every client. On removal
// the device's context is torn down first. Callbacks run outside the lock;
// per-client ordering follows the underlying notifier.
func (c *Core) NotifyDeviceChange(change types.DeviceChange, info types.DeviceInformation) {
	var notifiers []ClientNotifier

	c.mu.Lock()
	if change == types.DeviceRemoved {
		c.log.Info("device removed", zap.Int64("deviceId", info.DeviceID))
		for addr, id := range c.activeBle {
			if id == info.DeviceID {
				delete(c.activeBle, addr)
				break
			}
		}
		if ctx, ok := c.contexts[info.DeviceID]; ok {
			for clientID := range snapshotKeys(ctx.clients) {
				c.closeAllPortsForClientLocked(clientID, ctx)
				if res, ok := c.resources[clientID]; ok {
					delete(res.openDevices, info.DeviceID)
				}
			}
			delete(c.contexts, info.DeviceID)
		}
	}
	for _, client := range c.clients {
		if client.notify != nil {
			notifiers = append(notifiers, client.notify)
		}
	}
	c.mu.Unlock()

	for _, n := range notifiers {
		n.NotifyDeviceChange(change, info)
	}
}

// NotifyError broadcasts a service-level error code to every client.
func (c *Core) NotifyError(code types.StatusCode) {
	var notifiers []ClientNotifier
	c.mu.Lock()
	for _, client := range c.clients {
		if client.notify != nil {
			notifiers = append(notifiers, client.notify)
		}
	}
	c.mu.Unlock()
	for _, n := range notifiers {
		n.NotifyError(code)
	}
}
