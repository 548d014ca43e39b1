// Package api serves the IPC surface of the daemon. The session logic lives
// in core; here we only convert between request paths/bodies and controller
// calls, and run the per-client notification queues.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/memorywriter"
	"github.com/umpbridge/umpd-go/types"
)

// eventQueueDepth bounds undelivered notifications per client; beyond it
// the newest event is dropped (the client is too slow to care).
const eventQueueDepth = 64

// eventPollTimeout bounds one /events long-poll round trip.
const eventPollTimeout = 30 * time.Second

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter

	mu        sync.Mutex
	notifiers map[uint32]*clientNotifier
}

// ServeAPI mounts the IPC routes on r.
func ServeAPI(r *mux.Router, c *core.Core, version string, l *memorywriter.MemoryWriter) error {
	a := &api{
		core:      c,
		version:   version,
		logger:    l,
		notifiers: make(map[uint32]*clientNotifier),
	}
	sr := r.Methods("POST").Subrouter()
	sr.HandleFunc("/", a.Info)
	sr.HandleFunc("/configure", a.Info)
	sr.HandleFunc("/client/new", a.CreateClient)
	sr.HandleFunc("/client/{client}/events", a.Events)
	sr.HandleFunc("/client/{client}/watch", a.Watch)
	sr.HandleFunc("/client/{client}/destroy", a.DestroyClient)
	sr.HandleFunc("/enumerate", a.Enumerate)
	sr.HandleFunc("/device/{device}/ports", a.Ports)
	sr.HandleFunc("/client/{client}/open/{device}", a.OpenDevice)
	sr.HandleFunc("/client/{client}/open-ble/{address}", a.OpenBleDevice)
	sr.HandleFunc("/client/{client}/close/{device}", a.CloseDevice)
	sr.HandleFunc("/client/{client}/port/in/{device}/{port}/open", a.OpenInputPort)
	sr.HandleFunc("/client/{client}/port/in/{device}/{port}/close", a.CloseInputPort)
	sr.HandleFunc("/client/{client}/port/out/{device}/{port}/open", a.OpenOutputPort)
	sr.HandleFunc("/client/{client}/port/out/{device}/{port}/close", a.CloseOutputPort)
	sr.HandleFunc("/client/{client}/port/out/{device}/{port}/flush", a.FlushOutputPort)

	v, err := corsValidator()
	if err != nil {
		return err
	}
	r.Use(CORS(v))
	return nil
}

// EventMsg is one queued notification.
type EventMsg struct {
	Kind   string                   `json:"kind"` // "deviceChange" or "error"
	Change types.DeviceChange       `json:"change,omitempty"`
	Device *types.DeviceInformation `json:"device,omitempty"`
	Code   types.StatusCode         `json:"code,omitempty"`
}

// clientNotifier queues notifications for one client until its next
// /events poll.
type clientNotifier struct {
	events chan EventMsg
}

func (n *clientNotifier) push(msg EventMsg) {
	select {
	case n.events <- msg:
	default:
		// Queue full; the poller is not keeping up.
	}
}

func (n *clientNotifier) NotifyDeviceChange(change types.DeviceChange, info types.DeviceInformation) {
	n.push(EventMsg{Kind: "deviceChange", Change: change, Device: &info})
}

func (n *clientNotifier) NotifyError(code types.StatusCode) {
	n.push(EventMsg{Kind: "error", Code: code})
}

// Reply shapes.

type statusReply struct {
	Status types.StatusCode `json:"status"`
}

type createReply struct {
	Status   types.StatusCode `json:"status"`
	ClientID uint32           `json:"clientId"`
}

type enumerateReply struct {
	Status  types.StatusCode          `json:"status"`
	Devices []types.DeviceInformation `json:"devices"`
}

type portsReply struct {
	Status types.StatusCode        `json:"status"`
	Ports  []types.PortInformation `json:"ports"`
}

type openPortReply struct {
	Status   types.StatusCode `json:"status"`
	RingPath string           `json:"ringPath,omitempty"`
	Capacity uint32           `json:"capacity,omitempty"`
}

type bleReply struct {
	Status types.StatusCode         `json:"status"`
	Opened bool                     `json:"opened"`
	Device *types.DeviceInformation `json:"device,omitempty"`
}

type eventsReply struct {
	Status types.StatusCode `json:"status"`
	Event  *EventMsg        `json:"event,omitempty"`
}

func (a *api) reply(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Log("encode error: " + err.Error())
	}
}

func muxUint32(r *http.Request, key string) (uint32, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[key], 10, 32)
	return uint32(v), err == nil
}

func muxInt64(r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	return v, err == nil
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("version " + a.version)
	type info struct {
		Version string `json:"version"`
	}
	a.reply(w, info{Version: a.version})
}

type createRequest struct {
	UID uint32 `json:"uid"`
}

func (a *api) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.reply(w, createReply{Status: types.StatusInvalidArg})
		return
	}
	n := &clientNotifier{events: make(chan EventMsg, eventQueueDepth)}
	id, code := a.core.CreateClient(req.UID, n)
	if code != types.StatusOK {
		a.reply(w, createReply{Status: code})
		return
	}
	a.mu.Lock()
	a.notifiers[id] = n
	a.mu.Unlock()
	a.logger.Log("client created " + strconv.FormatUint(uint64(id), 10))
	a.reply(w, createReply{Status: types.StatusOK, ClientID: id})
}

// Events long-polls the client's notification queue.
func (a *api) Events(w http.ResponseWriter, r *http.Request) {
	clientID, ok := muxUint32(r, "client")
	if !ok {
		a.reply(w, eventsReply{Status: types.StatusInvalidArg})
		return
	}
	a.mu.Lock()
	n := a.notifiers[clientID]
	a.mu.Unlock()
	if n == nil {
		a.reply(w, eventsReply{Status: types.StatusInvalidClient})
		return
	}
	select {
	case msg := <-n.events:
		a.reply(w, eventsReply{Status: types.StatusOK, Event: &msg})
	case <-r.Context().Done():
	case <-time.After(eventPollTimeout):
		a.reply(w, eventsReply{Status: types.StatusOK})
	}
}

// Watch is the death watcher: the client keeps this request open for its
// whole life, and its disconnect triggers DestroyClient exactly as an
// explicit destroy would.
func (a *api) Watch(w http.ResponseWriter, r *http.Request) {
	clientID, ok := muxUint32(r, "client")
	if !ok {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	if f, ok := w.(http.Flusher); ok {
		w.WriteHeader(http.StatusOK)
		f.Flush()
	}
	<-r.Context().Done()
	a.logger.Log("watch closed for client " + strconv.FormatUint(uint64(clientID), 10))
	a.dropNotifier(clientID)
	a.core.DestroyClient(clientID)
}

func (a *api) dropNotifier(clientID uint32) {
	a.mu.Lock()
	delete(a.notifiers, clientID)
	a.mu.Unlock()
}

func (a *api) DestroyClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := muxUint32(r, "client")
	if !ok {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.dropNotifier(clientID)
	a.reply(w, statusReply{Status: a.core.DestroyClient(clientID)})
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("enumerate")
	a.reply(w, enumerateReply{Status: types.StatusOK, Devices: a.core.GetDevices()})
}

func (a *api) Ports(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := muxInt64(r, "device")
	if !ok {
		a.reply(w, portsReply{Status: types.StatusInvalidArg})
		return
	}
	ports, code := a.core.GetDevicePorts(deviceID)
	a.reply(w, portsReply{Status: code, Ports: ports})
}

func (a *api) OpenDevice(w http.ResponseWriter, r *http.Request) {
	clientID, ok1 := muxUint32(r, "client")
	deviceID, ok2 := muxInt64(r, "device")
	if !ok1 || !ok2 {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.reply(w, statusReply{Status: a.core.OpenDevice(clientID, deviceID)})
}

// OpenBleDevice keeps the request open until the coalesced bring-up
// completes, preserving the callback semantics over a request/response
// transport.
func (a *api) OpenBleDevice(w http.ResponseWriter, r *http.Request) {
	clientID, ok := muxUint32(r, "client")
	if !ok {
		a.reply(w, bleReply{Status: types.StatusInvalidArg})
		return
	}
	addr := mux.Vars(r)["address"]

	done := make(chan bleReply, 1)
	code := a.core.OpenBleDevice(clientID, addr, func(opened bool, info *types.DeviceInformation) {
		done <- bleReply{Status: types.StatusOK, Opened: opened, Device: info}
	})
	if code != types.StatusOK {
		a.reply(w, bleReply{Status: code})
		return
	}
	select {
	case rep := <-done:
		a.reply(w, rep)
	case <-r.Context().Done():
		// The requester went away; the coalescer outcome still lands in the
		// session graph.
	}
}

func (a *api) CloseDevice(w http.ResponseWriter, r *http.Request) {
	clientID, ok1 := muxUint32(r, "client")
	deviceID, ok2 := muxInt64(r, "device")
	if !ok1 || !ok2 {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.reply(w, statusReply{Status: a.core.CloseDevice(clientID, deviceID)})
}

func (a *api) portVars(r *http.Request) (uint32, int64, uint32, bool) {
	clientID, ok1 := muxUint32(r, "client")
	deviceID, ok2 := muxInt64(r, "device")
	portIndex, ok3 := muxUint32(r, "port")
	return clientID, deviceID, portIndex, ok1 && ok2 && ok3
}

func (a *api) OpenInputPort(w http.ResponseWriter, r *http.Request) {
	clientID, deviceID, portIndex, ok := a.portVars(r)
	if !ok {
		a.reply(w, openPortReply{Status: types.StatusInvalidArg})
		return
	}
	rg, code := a.core.OpenInputPort(clientID, deviceID, portIndex)
	if code != types.StatusOK {
		a.reply(w, openPortReply{Status: code})
		return
	}
	a.reply(w, openPortReply{Status: types.StatusOK, RingPath: rg.Path(), Capacity: rg.Capacity()})
}

func (a *api) OpenOutputPort(w http.ResponseWriter, r *http.Request) {
	clientID, deviceID, portIndex, ok := a.portVars(r)
	if !ok {
		a.reply(w, openPortReply{Status: types.StatusInvalidArg})
		return
	}
	rg, code := a.core.OpenOutputPort(clientID, deviceID, portIndex)
	if code != types.StatusOK {
		a.reply(w, openPortReply{Status: code})
		return
	}
	a.reply(w, openPortReply{Status: types.StatusOK, RingPath: rg.Path(), Capacity: rg.Capacity()})
}

func (a *api) CloseInputPort(w http.ResponseWriter, r *http.Request) {
	clientID, deviceID, portIndex, ok := a.portVars(r)
	if !ok {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.reply(w, statusReply{Status: a.core.CloseInputPort(clientID, deviceID, portIndex)})
}

func (a *api) CloseOutputPort(w http.ResponseWriter, r *http.Request) {
	clientID, deviceID, portIndex, ok := a.portVars(r)
	if !ok {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.reply(w, statusReply{Status: a.core.CloseOutputPort(clientID, deviceID, portIndex)})
}

func (a *api) FlushOutputPort(w http.ResponseWriter, r *http.Request) {
	clientID, deviceID, portIndex, ok := a.portVars(r)
	if !ok {
		a.reply(w, statusReply{Status: types.StatusInvalidArg})
		return
	}
	a.reply(w, statusReply{Status: a.core.FlushOutputPort(clientID, deviceID, portIndex)})
}
