package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// fakeDriver is a scriptable USB-like driver recording every call.
type fakeDriver struct {
	mu sync.Mutex

	devices []types.DeviceInformation

	openDeviceCalls  map[int64]int
	closeDeviceCalls map[int64]int
	openInputCalls   map[portKey]int
	closeInputCalls  map[portKey]int
	openOutputCalls  map[portKey]int
	closeOutputCalls map[portKey]int

	inputCallbacks map[portKey]InputCallback
	sent           []types.Event

	openDeviceStatus types.StatusCode
}

type portKey struct {
	device int64
	port   uint32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		openDeviceCalls:  make(map[int64]int),
		closeDeviceCalls: make(map[int64]int),
		openInputCalls:   make(map[portKey]int),
		closeInputCalls:  make(map[portKey]int),
		openOutputCalls:  make(map[portKey]int),
		closeOutputCalls: make(map[portKey]int),
		inputCallbacks:   make(map[portKey]InputCallback),
		openDeviceStatus: types.StatusOK,
	}
}

func (f *fakeDriver) addDevice(driverID int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, types.DeviceInformation{
		DriverDeviceID: driverID,
		Protocol:       types.ProtocolMidi1,
		ProductName:    name,
		VendorName:     "Test",
		Ports: []types.PortInformation{
			{PortIndex: 0, Name: "Test Port", Direction: types.PortDirectionInput, Protocol: types.ProtocolMidi1},
		},
	})
}

func (f *fakeDriver) Kind() types.DeviceType { return types.DeviceTypeUSB }

func (f *fakeDriver) Enumerate() []types.DeviceInformation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.DeviceInformation, len(f.devices))
	copy(out, f.devices)
	return out
}

func (f *fakeDriver) OpenDevice(driverID int64) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openDeviceCalls[driverID]++
	return f.openDeviceStatus
}

func (f *fakeDriver) OpenBleDevice(addr string, reply BleOpenCallback) types.StatusCode {
	return types.StatusInvalidArg
}

func (f *fakeDriver) CloseDevice(driverID int64) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeDeviceCalls[driverID]++
	return types.StatusOK
}

func (f *fakeDriver) OpenInputPort(driverID int64, port uint32, cb InputCallback) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := portKey{driverID, port}
	f.openInputCalls[key]++
	f.inputCallbacks[key] = cb
	return types.StatusOK
}

func (f *fakeDriver) CloseInputPort(driverID int64, port uint32) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := portKey{driverID, port}
	f.closeInputCalls[key]++
	delete(f.inputCallbacks, key)
	return types.StatusOK
}

func (f *fakeDriver) OpenOutputPort(driverID int64, port uint32) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openOutputCalls[portKey{driverID, port}]++
	return types.StatusOK
}

func (f *fakeDriver) CloseOutputPort(driverID int64, port uint32) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeOutputCalls[portKey{driverID, port}]++
	return types.StatusOK
}

func (f *fakeDriver) HandleUmpInput(driverID int64, port uint32, events []types.Event) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, events...)
	return types.StatusOK
}

func (f *fakeDriver) deliver(driverID int64, port uint32, events []types.Event) {
	f.mu.Lock()
	cb := f.inputCallbacks[portKey{driverID, port}]
	f.mu.Unlock()
	if cb != nil {
		cb(events)
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyDeviceChange(types.DeviceChange, types.DeviceInformation) {}
func (nopNotifier) NotifyError(types.StatusCode)                                   {}

// harness bundles a controller over one fake driver with local rings and an
// immediate unload timer.
type harness struct {
	core   *Core
	driver *fakeDriver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	driver := newFakeDriver()
	manager := NewDeviceManager(log)
	manager.RegisterDriver(driver)
	c := New(manager, log)
	c.SetUnloadDelay(0)
	c.SetRingFactory(func(uint32, int64, uint32, types.PortDirection) (*ring.Ring, error) {
		return ring.NewLocal(4096)
	})
	return &harness{core: c, driver: driver}
}

func (h *harness) connectDevice(t *testing.T, driverID int64, name string) int64 {
	t.Helper()
	h.driver.addDevice(driverID, name)
	h.core.manager.UpdateDevices()
	for _, d := range h.core.GetDevices() {
		if d.DriverDeviceID == driverID {
			return d.DeviceID
		}
	}
	t.Fatalf("device %d not enumerated", driverID)
	return 0
}

func (h *harness) newClient(t *testing.T, uid uint32) uint32 {
	t.Helper()
	id, code := h.core.CreateClient(uid, nopNotifier{})
	if code != types.StatusOK {
		t.Fatalf("CreateClient: %v", code)
	}
	return id
}

// checkInvariants asserts the structural invariants of the session graph.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	c := h.core
	c.mu.Lock()
	defer c.mu.Unlock()

	for deviceID, ctx := range c.contexts {
		if len(ctx.clients) < 1 {
			t.Errorf("context %d has no clients", deviceID)
		}
	}
	for clientID, res := range c.resources {
		for deviceID := range res.openDevices {
			ctx, ok := c.contexts[deviceID]
			if !ok {
				t.Errorf("client %d records device %d without context", clientID, deviceID)
				continue
			}
			if _, in := ctx.clients[clientID]; !in {
				t.Errorf("client %d records device %d but is not in its context", clientID, deviceID)
			}
		}
		var attachments uint32
		for _, ctx := range c.contexts {
			for _, conn := range ctx.inputs {
				if conn.HasClient(clientID) {
					attachments++
				}
			}
			for _, conn := range ctx.outputs {
				if conn.HasClient(clientID) {
					attachments++
				}
			}
		}
		if res.portCount != attachments {
			t.Errorf("client %d portCount = %d, attachments = %d", clientID, res.portCount, attachments)
		}
	}
	if len(c.clients) > MaxClients {
		t.Errorf("%d clients exceed the global limit", len(c.clients))
	}
	for uid, set := range c.appClients {
		if len(set) > MaxClientsPerApp {
			t.Errorf("uid %d holds %d clients", uid, len(set))
		}
	}
	for addr, deviceID := range c.activeBle {
		if len(c.pendingBle[addr]) != 0 {
			t.Errorf("address %s is active and pending at once", addr)
		}
		_ = deviceID
	}
}

func TestCreateClientAssignsDistinctIDs(t *testing.T) {
	h := newHarness(t)
	a := h.newClient(t, 1000)
	b := h.newClient(t, 1001)
	if a == 0 || b == 0 || a == b {
		t.Fatalf("bad ids: %d, %d", a, b)
	}
}

func TestClientQuotaGlobal(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < MaxClients; i++ {
		h.newClient(t, uint32(1000+i))
	}
	if _, code := h.core.CreateClient(2000, nopNotifier{}); code != types.StatusTooManyClients {
		t.Fatalf("9th client: %v, want TOO_MANY_CLIENTS", code)
	}
	h.checkInvariants(t)
}

func TestClientQuotaPerApp(t *testing.T) {
	h := newHarness(t)
	const uid = 1234
	first := h.newClient(t, uid)
	h.newClient(t, uid)
	if _, code := h.core.CreateClient(uid, nopNotifier{}); code != types.StatusTooManyClients {
		t.Fatalf("3rd same-uid client: %v, want TOO_MANY_CLIENTS", code)
	}
	// Destroying any one frees a slot.
	if code := h.core.DestroyClient(first); code != types.StatusOK {
		t.Fatalf("DestroyClient: %v", code)
	}
	if _, code := h.core.CreateClient(uid, nopNotifier{}); code != types.StatusOK {
		t.Fatalf("create after destroy: %v", code)
	}
	h.checkInvariants(t)
}

func TestOpenDeviceSuccess(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 555, "Test Device")

	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusOK {
		t.Fatalf("OpenDevice: %v", code)
	}
	if h.driver.openDeviceCalls[555] != 1 {
		t.Errorf("driver OpenDevice called %d times", h.driver.openDeviceCalls[555])
	}
	h.checkInvariants(t)
}

func TestOpenDeviceInvalidIDs(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 111, "Device")

	if code := h.core.OpenDevice(99999, deviceID); code != types.StatusInvalidClient {
		t.Errorf("bad client: %v, want INVALID_CLIENT", code)
	}
	if code := h.core.OpenDevice(clientID, 99999); code == types.StatusOK {
		t.Errorf("bad device succeeded")
	}
	if len(h.driver.openDeviceCalls) != 0 {
		t.Errorf("driver called despite validation failure")
	}
}

func TestOpenDeviceDriverFailure(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 666, "Broken Device")

	h.driver.openDeviceStatus = types.StatusSystemError
	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusSystemError {
		t.Fatalf("OpenDevice: %v, want SYSTEM_ERROR", code)
	}
	h.core.mu.Lock()
	_, exists := h.core.contexts[deviceID]
	h.core.mu.Unlock()
	if exists {
		t.Error("context created despite driver failure")
	}
}

func TestOpenDeviceDuplicate(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 777, "Device")

	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusDeviceAlreadyOpen {
		t.Fatalf("second open: %v, want DEVICE_ALREADY_OPEN", code)
	}
	h.checkInvariants(t)
}

func TestOpenDeviceShared(t *testing.T) {
	h := newHarness(t)
	a := h.newClient(t, 1)
	b := h.newClient(t, 2)
	deviceID := h.connectDevice(t, 888, "Shared Device")

	if code := h.core.OpenDevice(a, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	if code := h.core.OpenDevice(b, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	if h.driver.openDeviceCalls[888] != 1 {
		t.Errorf("driver OpenDevice called %d times, want 1", h.driver.openDeviceCalls[888])
	}
	h.checkInvariants(t)
}

func TestDeviceQuota(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	ids := make([]int64, 0, MaxDevicesPerClient+1)
	for i := 0; i <= MaxDevicesPerClient; i++ {
		ids = append(ids, h.connectDevice(t, int64(100+i), fmt.Sprintf("Device %d", i)))
	}
	for i := 0; i < MaxDevicesPerClient; i++ {
		if code := h.core.OpenDevice(clientID, ids[i]); code != types.StatusOK {
			t.Fatalf("open %d: %v", i, code)
		}
	}
	if code := h.core.OpenDevice(clientID, ids[MaxDevicesPerClient]); code != types.StatusTooManyOpenDevices {
		t.Fatalf("17th device: %v, want TOO_MANY_OPEN_DEVICES", code)
	}
	h.checkInvariants(t)
}

func TestPortQuota(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 100, "Many Ports")
	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}

	// 32 inputs + 32 outputs, then the 65th port fails either way.
	for p := uint32(0); p < 32; p++ {
		if _, code := h.core.OpenInputPort(clientID, deviceID, p); code != types.StatusOK {
			t.Fatalf("input %d: %v", p, code)
		}
	}
	for p := uint32(0); p < 32; p++ {
		if _, code := h.core.OpenOutputPort(clientID, deviceID, p); code != types.StatusOK {
			t.Fatalf("output %d: %v", p, code)
		}
	}
	if _, code := h.core.OpenOutputPort(clientID, deviceID, 33); code != types.StatusTooManyOpenPorts {
		t.Fatalf("65th port: %v, want TOO_MANY_OPEN_PORTS", code)
	}
	if _, code := h.core.OpenInputPort(clientID, deviceID, 40); code != types.StatusTooManyOpenPorts {
		t.Fatalf("65th port (input): %v, want TOO_MANY_OPEN_PORTS", code)
	}
	h.checkInvariants(t)
	h.core.DestroyClient(clientID)
}

func TestSharedInputPort(t *testing.T) {
	h := newHarness(t)
	a := h.newClient(t, 1)
	b := h.newClient(t, 2)
	deviceID := h.connectDevice(t, 555, "Shared Input")

	if code := h.core.OpenDevice(a, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	if code := h.core.OpenDevice(b, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}

	ringA, code := h.core.OpenInputPort(a, deviceID, 0)
	if code != types.StatusOK {
		t.Fatal(code)
	}
	ringB, code := h.core.OpenInputPort(b, deviceID, 0)
	if code != types.StatusOK {
		t.Fatal(code)
	}
	if got := h.driver.openInputCalls[portKey{555, 0}]; got != 1 {
		t.Fatalf("driver OpenInputPort called %d times, want 1", got)
	}

	// A received batch is delivered to both rings with identical bytes.
	h.driver.deliver(555, 0, []types.Event{{Timestamp: 100, Data: []uint32{0x20903C40}}})
	evA := ringA.DrainToBatch(0)
	evB := ringB.DrainToBatch(0)
	if len(evA) != 1 || len(evB) != 1 {
		t.Fatalf("drained %d/%d events, want 1/1", len(evA), len(evB))
	}
	if evA[0].Timestamp != 100 || evA[0].Data[0] != 0x20903C40 {
		t.Errorf("ring A event = %+v", evA[0])
	}
	if evB[0].Timestamp != evA[0].Timestamp || evB[0].Data[0] != evA[0].Data[0] {
		t.Errorf("rings disagree: %+v vs %+v", evA[0], evB[0])
	}

	// Closing from A leaves B's subscription alive.
	if code := h.core.CloseInputPort(a, deviceID, 0); code != types.StatusOK {
		t.Fatal(code)
	}
	if got := h.driver.closeInputCalls[portKey{555, 0}]; got != 0 {
		t.Fatalf("driver CloseInputPort called %d times before last detach", got)
	}
	h.driver.deliver(555, 0, []types.Event{{Timestamp: 101, Data: []uint32{0x20803C00}}})
	if got := ringB.DrainToBatch(0); len(got) != 1 {
		t.Fatalf("B stopped receiving after A closed: %d events", len(got))
	}

	// Closing from B closes the driver port exactly once.
	if code := h.core.CloseInputPort(b, deviceID, 0); code != types.StatusOK {
		t.Fatal(code)
	}
	if got := h.driver.closeInputCalls[portKey{555, 0}]; got != 1 {
		t.Fatalf("driver CloseInputPort called %d times, want 1", got)
	}
	h.checkInvariants(t)
}

func TestInputPortAlreadyOpen(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 10, "Device")
	h.core.OpenDevice(clientID, deviceID)

	if _, code := h.core.OpenInputPort(clientID, deviceID, 0); code != types.StatusOK {
		t.Fatal(code)
	}
	if _, code := h.core.OpenInputPort(clientID, deviceID, 0); code != types.StatusPortAlreadyOpen {
		t.Fatalf("second open: %v, want PORT_ALREADY_OPEN", code)
	}
	h.checkInvariants(t)
}

func TestOpenPortRequiresOpenDevice(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 10, "Device")

	if _, code := h.core.OpenInputPort(clientID, deviceID, 0); code != types.StatusInvalidDevice {
		t.Fatalf("open port without device: %v, want INVALID_DEVICE", code)
	}
}

func TestCloseDeviceRestoresState(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 123, "Device To Close")

	h.core.OpenDevice(clientID, deviceID)
	h.core.OpenInputPort(clientID, deviceID, 0)
	h.core.OpenOutputPort(clientID, deviceID, 1)

	if code := h.core.CloseDevice(clientID, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	if h.driver.closeDeviceCalls[123] != 1 {
		t.Errorf("driver CloseDevice called %d times", h.driver.closeDeviceCalls[123])
	}
	h.core.mu.Lock()
	_, exists := h.core.contexts[deviceID]
	res := h.core.resources[clientID]
	h.core.mu.Unlock()
	if exists {
		t.Error("context survived the last close")
	}
	if len(res.openDevices) != 0 || res.portCount != 0 {
		t.Errorf("resources not restored: %+v", res)
	}

	// Reopen works and the round trip left no residue.
	if code := h.core.OpenDevice(clientID, deviceID); code != types.StatusOK {
		t.Fatalf("reopen: %v", code)
	}
	h.checkInvariants(t)
}

func TestCloseDeviceNotOpenByClient(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 124, "Device Unopened")

	if code := h.core.CloseDevice(clientID, deviceID); code == types.StatusOK {
		t.Fatal("closing an unopened device succeeded")
	}
	if h.driver.closeDeviceCalls[124] != 0 {
		t.Error("driver CloseDevice called")
	}
}

func TestDestroyClientClosesEverything(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 42)
	deviceID := h.connectDevice(t, 300, "Held Device")
	h.core.OpenDevice(clientID, deviceID)
	h.core.OpenInputPort(clientID, deviceID, 0)

	if code := h.core.DestroyClient(clientID); code != types.StatusOK {
		t.Fatal(code)
	}
	if h.driver.closeDeviceCalls[300] != 1 {
		t.Errorf("driver CloseDevice called %d times, want 1", h.driver.closeDeviceCalls[300])
	}
	h.core.mu.Lock()
	_, hasCtx := h.core.contexts[deviceID]
	_, hasRes := h.core.resources[clientID]
	_, hasApp := h.core.appClients[42]
	h.core.mu.Unlock()
	if hasCtx || hasRes || hasApp {
		t.Errorf("leftover state: ctx=%v res=%v app=%v", hasCtx, hasRes, hasApp)
	}
}

func TestDestroyClientInvalidID(t *testing.T) {
	h := newHarness(t)
	if code := h.core.DestroyClient(99999); code != types.StatusInvalidClient {
		t.Fatalf("DestroyClient(absent) = %v, want INVALID_CLIENT", code)
	}
	clientID := h.newClient(t, 1)
	h.core.DestroyClient(clientID)
	if code := h.core.DestroyClient(clientID); code != types.StatusInvalidClient {
		t.Fatalf("second destroy = %v, want INVALID_CLIENT", code)
	}
}

func TestSharedDeviceSurvivesOneDestroy(t *testing.T) {
	h := newHarness(t)
	a := h.newClient(t, 1)
	b := h.newClient(t, 2)
	deviceID := h.connectDevice(t, 400, "Shared")
	h.core.OpenDevice(a, deviceID)
	h.core.OpenDevice(b, deviceID)

	h.core.DestroyClient(a)
	if h.driver.closeDeviceCalls[400] != 0 {
		t.Error("device closed while another client holds it")
	}
	h.core.DestroyClient(b)
	if h.driver.closeDeviceCalls[400] != 1 {
		t.Errorf("driver CloseDevice called %d times, want 1", h.driver.closeDeviceCalls[400])
	}
}

func TestUnloadTimerFiresAfterLastClient(t *testing.T) {
	h := newHarness(t)
	var fired atomic.Bool
	h.core.SetShutdownFunc(func() { fired.Store(true) })

	clientID := h.newClient(t, 1)
	h.core.DestroyClient(clientID)

	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !fired.Load() {
		t.Fatal("unload never fired with zero delay")
	}
}

func TestUnloadCancelledByNewClient(t *testing.T) {
	h := newHarness(t)
	h.core.SetUnloadDelay(200 * time.Millisecond)
	var fired atomic.Bool
	h.core.SetShutdownFunc(func() { fired.Store(true) })

	clientID := h.newClient(t, 1)
	h.core.DestroyClient(clientID)
	if !h.core.UnloadPending() {
		t.Fatal("unload not scheduled")
	}

	// A new client cancels the pending unload.
	h.newClient(t, 2)
	h.core.WaitUnloadSettled()
	time.Sleep(300 * time.Millisecond)
	if fired.Load() {
		t.Fatal("unload fired despite cancel")
	}
}

func TestDeviceRemovalTearsDownContext(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 500, "Unpluggable")
	h.core.OpenDevice(clientID, deviceID)
	h.core.OpenInputPort(clientID, deviceID, 0)

	var gotChange atomic.Int32
	h.core.mu.Lock()
	h.core.clients[clientID].notify = notifierFunc(func(change types.DeviceChange, info types.DeviceInformation) {
		if info.DeviceID == deviceID {
			gotChange.Store(int32(change) + 1)
		}
	})
	h.core.mu.Unlock()

	// Unplug: driver stops reporting the device.
	h.driver.mu.Lock()
	h.driver.devices = nil
	h.driver.mu.Unlock()
	h.core.manager.UpdateDevices()

	h.core.mu.Lock()
	_, hasCtx := h.core.contexts[deviceID]
	res := h.core.resources[clientID]
	h.core.mu.Unlock()
	if hasCtx {
		t.Error("context survived removal")
	}
	if res.portCount != 0 || len(res.openDevices) != 0 {
		t.Errorf("resources not cleaned: %+v", res)
	}
	if gotChange.Load() != int32(types.DeviceRemoved)+1 {
		t.Error("client not notified of removal")
	}
	h.checkInvariants(t)
}

// notifierFunc adapts a function to ClientNotifier for tests.
type notifierFunc func(change types.DeviceChange, info types.DeviceInformation)

func (f notifierFunc) NotifyDeviceChange(change types.DeviceChange, info types.DeviceInformation) {
	f(change, info)
}
func (f notifierFunc) NotifyError(types.StatusCode) {}

func TestFlushOutputPort(t *testing.T) {
	h := newHarness(t)
	clientID := h.newClient(t, 1)
	deviceID := h.connectDevice(t, 600, "Out")
	h.core.OpenDevice(clientID, deviceID)

	r, code := h.core.OpenOutputPort(clientID, deviceID, 0)
	if code != types.StatusOK {
		t.Fatal(code)
	}
	// Stop the worker so flushed events are provably undelivered.
	h.core.mu.Lock()
	conn := h.core.contexts[deviceID].outputs[0]
	h.core.mu.Unlock()
	conn.Stop()

	r.TryWriteEvents([]types.Event{{Timestamp: 1, Data: []uint32{0x20903C40}}})
	if code := h.core.FlushOutputPort(clientID, deviceID, 0); code != types.StatusOK {
		t.Fatal(code)
	}
	if got := r.DrainToBatch(0); len(got) != 0 {
		t.Fatalf("flush left %d events", len(got))
	}
}
