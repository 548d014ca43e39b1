package core

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// fakeBleDriver captures the open request so tests drive completion
// explicitly, the way the GATT stack would.
type fakeBleDriver struct {
	mu           sync.Mutex
	connects     int
	lastAddr     string
	lastReply    BleOpenCallback
	closeCalls   int
	nextDriverID int64
	initStatus   types.StatusCode
}

func newFakeBleDriver() *fakeBleDriver {
	return &fakeBleDriver{nextDriverID: 9000, initStatus: types.StatusOK}
}

func (f *fakeBleDriver) Kind() types.DeviceType               { return types.DeviceTypeBLE }
func (f *fakeBleDriver) Enumerate() []types.DeviceInformation { return nil }

func (f *fakeBleDriver) OpenDevice(int64) types.StatusCode { return types.StatusInvalidArg }

func (f *fakeBleDriver) OpenBleDevice(addr string, reply BleOpenCallback) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initStatus != types.StatusOK {
		return f.initStatus
	}
	f.connects++
	f.lastAddr = addr
	f.lastReply = reply
	return types.StatusOK
}

func (f *fakeBleDriver) CloseDevice(int64) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return types.StatusOK
}

func (f *fakeBleDriver) OpenInputPort(int64, uint32, InputCallback) types.StatusCode {
	return types.StatusOK
}
func (f *fakeBleDriver) CloseInputPort(int64, uint32) types.StatusCode  { return types.StatusOK }
func (f *fakeBleDriver) OpenOutputPort(int64, uint32) types.StatusCode  { return types.StatusOK }
func (f *fakeBleDriver) CloseOutputPort(int64, uint32) types.StatusCode { return types.StatusOK }
func (f *fakeBleDriver) HandleUmpInput(int64, uint32, []types.Event) types.StatusCode {
	return types.StatusOK
}

// complete drives the captured reply as the driver's bring-up would.
func (f *fakeBleDriver) complete(success bool) {
	f.mu.Lock()
	reply := f.lastReply
	id := f.nextDriverID
	addr := f.lastAddr
	f.lastReply = nil
	f.mu.Unlock()
	if reply == nil {
		return
	}
	if !success {
		reply(false, nil)
		return
	}
	reply(true, &types.DeviceInformation{
		DriverDeviceID: id,
		DeviceType:     types.DeviceTypeBLE,
		Protocol:       types.ProtocolMidi1,
		Address:        addr,
		Ports: []types.PortInformation{
			{PortIndex: 0, Name: "BLE-MIDI Out", Direction: types.PortDirectionOutput, Protocol: types.ProtocolMidi1},
			{PortIndex: 1, Name: "BLE-MIDI In", Direction: types.PortDirectionInput, Protocol: types.ProtocolMidi1},
		},
	})
}

type bleHarness struct {
	core *Core
	ble  *fakeBleDriver
}

func newBleHarness(t *testing.T) *bleHarness {
	t.Helper()
	log := zap.NewNop()
	ble := newFakeBleDriver()
	manager := NewDeviceManager(log)
	manager.RegisterDriver(ble)
	c := New(manager, log)
	c.SetUnloadDelay(0)
	c.SetRingFactory(func(uint32, int64, uint32, types.PortDirection) (*ring.Ring, error) {
		return ring.NewLocal(4096)
	})
	return &bleHarness{core: c, ble: ble}
}

type bleResult struct {
	opened bool
	info   *types.DeviceInformation
}

func collector(results *[]bleResult, mu *sync.Mutex) BleOpenCallback {
	return func(opened bool, info *types.DeviceInformation) {
		mu.Lock()
		defer mu.Unlock()
		*results = append(*results, bleResult{opened: opened, info: info})
	}
}

const testMac = "AA:BB:CC:DD:EE:FF"

func TestBleCoalescingTwoClients(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})
	b, _ := h.core.CreateClient(2, nopNotifier{})

	var mu sync.Mutex
	var results []bleResult

	if code := h.core.OpenBleDevice(a, testMac, collector(&results, &mu)); code != types.StatusOK {
		t.Fatal(code)
	}
	if code := h.core.OpenBleDevice(b, testMac, collector(&results, &mu)); code != types.StatusOK {
		t.Fatal(code)
	}
	if h.ble.connects != 1 {
		t.Fatalf("driver connect initiated %d times, want 1", h.ble.connects)
	}

	h.ble.complete(true)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("%d replies, want 2", len(results))
	}
	for i, r := range results {
		if !r.opened || r.info == nil {
			t.Fatalf("reply %d: opened=%v", i, r.opened)
		}
	}
	if results[0].info.DeviceID != results[1].info.DeviceID {
		t.Errorf("device ids differ: %d vs %d", results[0].info.DeviceID, results[1].info.DeviceID)
	}

	h.core.mu.Lock()
	deviceID, active := h.core.activeBle[testMac]
	ctx := h.core.contexts[deviceID]
	pending := len(h.core.pendingBle[testMac])
	h.core.mu.Unlock()
	if !active {
		t.Fatal("address not recorded active")
	}
	if pending != 0 {
		t.Errorf("%d pending entries after completion", pending)
	}
	if ctx == nil || len(ctx.clients) != 2 {
		t.Fatalf("context missing or wrong membership: %+v", ctx)
	}
}

func TestBleOpenFailureNotifiesAll(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})
	b, _ := h.core.CreateClient(2, nopNotifier{})

	var mu sync.Mutex
	var results []bleResult
	h.core.OpenBleDevice(a, testMac, collector(&results, &mu))
	h.core.OpenBleDevice(b, testMac, collector(&results, &mu))

	h.ble.complete(false)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("%d replies, want 2", len(results))
	}
	for _, r := range results {
		if r.opened || r.info != nil {
			t.Error("failure reported as success")
		}
	}
	h.core.mu.Lock()
	_, active := h.core.activeBle[testMac]
	pending := len(h.core.pendingBle[testMac])
	h.core.mu.Unlock()
	if active || pending != 0 {
		t.Errorf("leftover state: active=%v pending=%d", active, pending)
	}
}

func TestBleActiveAddressJoinsSynchronously(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})
	b, _ := h.core.CreateClient(2, nopNotifier{})

	var mu sync.Mutex
	var results []bleResult
	h.core.OpenBleDevice(a, testMac, collector(&results, &mu))
	h.ble.complete(true)

	// Second requester after READY: no new connect, synchronous reply.
	h.core.OpenBleDevice(b, testMac, collector(&results, &mu))
	if h.ble.connects != 1 {
		t.Fatalf("driver connect initiated %d times, want 1", h.ble.connects)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || !results[1].opened {
		t.Fatalf("late joiner reply missing or failed: %+v", results)
	}
}

func TestBleAllWaitersDiedBeforeCompletion(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})

	var mu sync.Mutex
	var results []bleResult
	h.core.OpenBleDevice(a, testMac, collector(&results, &mu))
	h.core.DestroyClient(a)

	h.ble.complete(true)

	if h.ble.closeCalls != 1 {
		t.Fatalf("device closed %d times after all waiters died, want 1", h.ble.closeCalls)
	}
	h.core.mu.Lock()
	_, active := h.core.activeBle[testMac]
	h.core.mu.Unlock()
	if active {
		t.Error("address stayed active with no clients")
	}
}

func TestBleInitiationFailureCleansPending(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})
	h.ble.initStatus = types.StatusInvalidArg

	var mu sync.Mutex
	var results []bleResult
	if code := h.core.OpenBleDevice(a, "not-a-mac-addr-xx", collector(&results, &mu)); code != types.StatusInvalidArg {
		t.Fatalf("initiation: %v, want INVALID_ARG", code)
	}
	h.core.mu.Lock()
	pending := len(h.core.pendingBle["not-a-mac-addr-xx"])
	h.core.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d pending entries left after immediate failure", pending)
	}
}

func TestBleInvalidClient(t *testing.T) {
	h := newBleHarness(t)
	if code := h.core.OpenBleDevice(99, testMac, func(bool, *types.DeviceInformation) {}); code != types.StatusInvalidClient {
		t.Fatalf("OpenBleDevice(bad client) = %v, want INVALID_CLIENT", code)
	}
}

func TestBleCloseDeviceDropsActiveAddress(t *testing.T) {
	h := newBleHarness(t)
	a, _ := h.core.CreateClient(1, nopNotifier{})

	var mu sync.Mutex
	var results []bleResult
	h.core.OpenBleDevice(a, testMac, collector(&results, &mu))
	h.ble.complete(true)

	mu.Lock()
	deviceID := results[0].info.DeviceID
	mu.Unlock()

	if code := h.core.CloseDevice(a, deviceID); code != types.StatusOK {
		t.Fatal(code)
	}
	h.core.mu.Lock()
	_, active := h.core.activeBle[testMac]
	h.core.mu.Unlock()
	if active {
		t.Error("active address survived device close")
	}
	if h.ble.closeCalls != 1 {
		t.Errorf("driver CloseDevice called %d times, want 1", h.ble.closeCalls)
	}
}
