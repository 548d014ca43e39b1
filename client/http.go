package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// HTTPService implements Service over the daemon's loopback API. The shared
// rings themselves never cross HTTP; only their segment paths do.
type HTTPService struct {
	base string
	uid  uint32
	hc   *http.Client

	watchCancel context.CancelFunc
	eventCancel context.CancelFunc
}

// DialHTTP points the service at the daemon's address, e.g.
// "http://127.0.0.1:21837".
func DialHTTP(base string, uid uint32) *HTTPService {
	return &HTTPService{
		base: base,
		uid:  uid,
		hc:   &http.Client{},
	}
}

func (s *HTTPService) post(path string, body, out interface{}) types.StatusCode {
	var buf bytes.Buffer
	if body == nil {
		body = struct{}{}
	}
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return types.StatusInvalidArg
	}
	resp, err := s.hc.Post(s.base+path, "application/json", &buf)
	if err != nil {
		return types.StatusIPCFailure
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.StatusIPCFailure
	}
	return types.StatusOK
}

type wireStatus struct {
	Status types.StatusCode `json:"status"`
}

type wireCreate struct {
	Status   types.StatusCode `json:"status"`
	ClientID uint32           `json:"clientId"`
}

type wireEnumerate struct {
	Status  types.StatusCode          `json:"status"`
	Devices []types.DeviceInformation `json:"devices"`
}

type wirePorts struct {
	Status types.StatusCode        `json:"status"`
	Ports  []types.PortInformation `json:"ports"`
}

type wireOpenPort struct {
	Status   types.StatusCode `json:"status"`
	RingPath string           `json:"ringPath"`
	Capacity uint32           `json:"capacity"`
}

type wireBle struct {
	Status types.StatusCode         `json:"status"`
	Opened bool                     `json:"opened"`
	Device *types.DeviceInformation `json:"device"`
}

type wireEvent struct {
	Status types.StatusCode `json:"status"`
	Event  *struct {
		Kind   string                   `json:"kind"`
		Change types.DeviceChange       `json:"change"`
		Device *types.DeviceInformation `json:"device"`
		Code   types.StatusCode         `json:"code"`
	} `json:"event"`
}

func (s *HTTPService) CreateClient(notify Notifications) (uint32, types.StatusCode) {
	var rep wireCreate
	if code := s.post("/client/new", map[string]uint32{"uid": s.uid}, &rep); code != types.StatusOK {
		return 0, code
	}
	if rep.Status != types.StatusOK {
		return 0, rep.Status
	}

	// The watch request is the death watcher: it stays open for the
	// client's life, and the daemon destroys the client when it drops.
	watchCtx, watchCancel := context.WithCancel(context.Background())
	s.watchCancel = watchCancel
	go s.watch(watchCtx, rep.ClientID)

	eventCtx, eventCancel := context.WithCancel(context.Background())
	s.eventCancel = eventCancel
	go s.pollEvents(eventCtx, rep.ClientID, notify)

	return rep.ClientID, types.StatusOK
}

func (s *HTTPService) watch(ctx context.Context, clientID uint32) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/client/%d/watch", s.base, clientID), bytes.NewReader([]byte("{}")))
	if err != nil {
		return
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (s *HTTPService) pollEvents(ctx context.Context, clientID uint32, notify Notifications) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/client/%d/events", s.base, clientID), bytes.NewReader([]byte("{}")))
		if err != nil {
			return
		}
		resp, err := s.hc.Do(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		var rep wireEvent
		err = json.NewDecoder(resp.Body).Decode(&rep)
		resp.Body.Close()
		if err != nil || rep.Status != types.StatusOK {
			continue
		}
		if rep.Event == nil {
			continue
		}
		switch rep.Event.Kind {
		case "deviceChange":
			if notify.OnDeviceChange != nil && rep.Event.Device != nil {
				notify.OnDeviceChange(rep.Event.Change, *rep.Event.Device)
			}
		case "error":
			if notify.OnError != nil {
				notify.OnError(rep.Event.Code)
			}
		}
	}
}

func (s *HTTPService) GetDevices() ([]types.DeviceInformation, types.StatusCode) {
	var rep wireEnumerate
	if code := s.post("/enumerate", nil, &rep); code != types.StatusOK {
		return nil, code
	}
	return rep.Devices, rep.Status
}

func (s *HTTPService) GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode) {
	var rep wirePorts
	if code := s.post(fmt.Sprintf("/device/%d/ports", deviceID), nil, &rep); code != types.StatusOK {
		return nil, code
	}
	return rep.Ports, rep.Status
}

func (s *HTTPService) OpenDevice(clientID uint32, deviceID int64) types.StatusCode {
	var rep wireStatus
	if code := s.post(fmt.Sprintf("/client/%d/open/%d", clientID, deviceID), nil, &rep); code != types.StatusOK {
		return code
	}
	return rep.Status
}

// OpenBleDevice returns OK at once; the request that initiates the open runs
// on a background goroutine, and its long-poll response fires reply exactly
// once. A failed initiation arrives as reply(false, nil).
func (s *HTTPService) OpenBleDevice(clientID uint32, addr string, reply DeviceOpened) types.StatusCode {
	go func() {
		var rep wireBle
		if code := s.post(fmt.Sprintf("/client/%d/open-ble/%s", clientID, addr), nil, &rep); code != types.StatusOK {
			reply(false, nil)
			return
		}
		if rep.Status != types.StatusOK {
			reply(false, nil)
			return
		}
		reply(rep.Opened, rep.Device)
	}()
	return types.StatusOK
}

func (s *HTTPService) CloseDevice(clientID uint32, deviceID int64) types.StatusCode {
	var rep wireStatus
	if code := s.post(fmt.Sprintf("/client/%d/close/%d", clientID, deviceID), nil, &rep); code != types.StatusOK {
		return code
	}
	return rep.Status
}

func (s *HTTPService) openPort(path string) (*ring.Ring, types.StatusCode) {
	var rep wireOpenPort
	if code := s.post(path, nil, &rep); code != types.StatusOK {
		return nil, code
	}
	if rep.Status != types.StatusOK {
		return nil, rep.Status
	}
	r, err := ring.Open(rep.RingPath)
	if err != nil {
		return nil, types.StatusSystemError
	}
	return r, types.StatusOK
}

func (s *HTTPService) OpenInputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	return s.openPort(fmt.Sprintf("/client/%d/port/in/%d/%d/open", clientID, deviceID, portIndex))
}

func (s *HTTPService) OpenOutputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	return s.openPort(fmt.Sprintf("/client/%d/port/out/%d/%d/open", clientID, deviceID, portIndex))
}

func (s *HTTPService) CloseInputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	var rep wireStatus
	if code := s.post(fmt.Sprintf("/client/%d/port/in/%d/%d/close", clientID, deviceID, portIndex), nil, &rep); code != types.StatusOK {
		return code
	}
	return rep.Status
}

func (s *HTTPService) CloseOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	var rep wireStatus
	if code := s.post(fmt.Sprintf("/client/%d/port/out/%d/%d/close", clientID, deviceID, portIndex), nil, &rep); code != types.StatusOK {
		return code
	}
	return rep.Status
}

func (s *HTTPService) FlushOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	var rep wireStatus
	if code := s.post(fmt.Sprintf("/client/%d/port/out/%d/%d/flush", clientID, deviceID, portIndex), nil, &rep); code != types.StatusOK {
		return code
	}
	return rep.Status
}

func (s *HTTPService) DestroyClient(clientID uint32) types.StatusCode {
	if s.eventCancel != nil {
		s.eventCancel()
	}
	var rep wireStatus
	code := s.post(fmt.Sprintf("/client/%d/destroy", clientID), nil, &rep)
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if code != types.StatusOK {
		return code
	}
	return rep.Status
}
