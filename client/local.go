package client

import (
	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/ring"
	"github.com/umpbridge/umpd-go/types"
)

// LocalService adapts an in-process controller to the Service interface.
// Used by tests and single-process deployments where client and service
// share the address space (the rings still work the same way).
type LocalService struct {
	core *core.Core
	uid  uint32
}

func NewLocalService(c *core.Core, uid uint32) *LocalService {
	return &LocalService{core: c, uid: uid}
}

type localNotifier struct {
	n Notifications
}

func (l *localNotifier) NotifyDeviceChange(change types.DeviceChange, info types.DeviceInformation) {
	if l.n.OnDeviceChange != nil {
		l.n.OnDeviceChange(change, info)
	}
}

func (l *localNotifier) NotifyError(code types.StatusCode) {
	if l.n.OnError != nil {
		l.n.OnError(code)
	}
}

func (s *LocalService) CreateClient(notify Notifications) (uint32, types.StatusCode) {
	return s.core.CreateClient(s.uid, &localNotifier{n: notify})
}

func (s *LocalService) GetDevices() ([]types.DeviceInformation, types.StatusCode) {
	return s.core.GetDevices(), types.StatusOK
}

func (s *LocalService) GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode) {
	return s.core.GetDevicePorts(deviceID)
}

func (s *LocalService) OpenDevice(clientID uint32, deviceID int64) types.StatusCode {
	return s.core.OpenDevice(clientID, deviceID)
}

func (s *LocalService) OpenBleDevice(clientID uint32, addr string, reply DeviceOpened) types.StatusCode {
	return s.core.OpenBleDevice(clientID, addr, core.BleOpenCallback(reply))
}

func (s *LocalService) CloseDevice(clientID uint32, deviceID int64) types.StatusCode {
	return s.core.CloseDevice(clientID, deviceID)
}

func (s *LocalService) OpenInputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	return s.core.OpenInputPort(clientID, deviceID, portIndex)
}

func (s *LocalService) OpenOutputPort(clientID uint32, deviceID int64, portIndex uint32) (*ring.Ring, types.StatusCode) {
	return s.core.OpenOutputPort(clientID, deviceID, portIndex)
}

func (s *LocalService) CloseInputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	return s.core.CloseInputPort(clientID, deviceID, portIndex)
}

func (s *LocalService) CloseOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	return s.core.CloseOutputPort(clientID, deviceID, portIndex)
}

func (s *LocalService) FlushOutputPort(clientID uint32, deviceID int64, portIndex uint32) types.StatusCode {
	return s.core.FlushOutputPort(clientID, deviceID, portIndex)
}

func (s *LocalService) DestroyClient(clientID uint32) types.StatusCode {
	return s.core.DestroyClient(clientID)
}
