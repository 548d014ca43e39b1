package client

import (
	"sync"

	"github.com/umpbridge/umpd-go/types"
)

// Client is one registered client of the service.
type Client struct {
	svc Service
	id  uint32

	mu      sync.Mutex
	devices map[int64]*Device
}

// New registers with the service and returns the client handle.
func New(svc Service, notify Notifications) (*Client, types.StatusCode) {
	id, code := svc.CreateClient(notify)
	if code != types.StatusOK {
		return nil, code
	}
	return &Client{svc: svc, id: id, devices: make(map[int64]*Device)}, types.StatusOK
}

// ID returns the service-assigned client id.
func (c *Client) ID() uint32 {
	return c.id
}

// GetDevices lists the devices currently known to the service.
func (c *Client) GetDevices() ([]types.DeviceInformation, types.StatusCode) {
	return c.svc.GetDevices()
}

// GetDevicePorts lists one device's ports.
func (c *Client) GetDevicePorts(deviceID int64) ([]types.PortInformation, types.StatusCode) {
	return c.svc.GetDevicePorts(deviceID)
}

// OpenDevice opens deviceID and returns a device handle.
func (c *Client) OpenDevice(deviceID int64) (*Device, types.StatusCode) {
	if code := c.svc.OpenDevice(c.id, deviceID); code != types.StatusOK {
		return nil, code
	}
	d := newDevice(c, deviceID)
	c.mu.Lock()
	c.devices[deviceID] = d
	c.mu.Unlock()
	return d, types.StatusOK
}

// OpenBleDevice initiates an asynchronous BLE open. opened reports the
// outcome exactly once; on success the callback receives a ready device
// handle.
func (c *Client) OpenBleDevice(addr string, opened func(ok bool, dev *Device, info *types.DeviceInformation)) types.StatusCode {
	return c.svc.OpenBleDevice(c.id, addr, func(ok bool, info *types.DeviceInformation) {
		if !ok || info == nil {
			opened(false, nil, nil)
			return
		}
		d := newDevice(c, info.DeviceID)
		c.mu.Lock()
		c.devices[info.DeviceID] = d
		c.mu.Unlock()
		opened(true, d, info)
	})
}

// Destroy tears the client down in the service; every open port and device
// held by this client is released there.
func (c *Client) Destroy() types.StatusCode {
	c.mu.Lock()
	devices := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.devices = make(map[int64]*Device)
	c.mu.Unlock()

	for _, d := range devices {
		d.stopReceivers()
	}
	return c.svc.DestroyClient(c.id)
}
