// Package types holds the value types shared between the service core, the
// transports and the HTTP API, plus the wire status code space.
package types

import "fmt"

// StatusCode is the numeric result space of the service. The values are wire
// contract and must not change.
type StatusCode int32

const (
	StatusOK                 StatusCode = 0
	StatusInvalidArg         StatusCode = 35500001
	StatusIPCFailure         StatusCode = 35500002
	StatusInvalidClient      StatusCode = 35500003
	StatusInvalidDevice      StatusCode = 35500004
	StatusInvalidPort        StatusCode = 35500005
	StatusWouldBlock         StatusCode = 35500006
	StatusTimeout            StatusCode = 35500007
	StatusTooManyOpenDevices StatusCode = 35500008
	StatusTooManyOpenPorts   StatusCode = 35500009
	StatusDeviceAlreadyOpen  StatusCode = 35500010
	StatusPortAlreadyOpen    StatusCode = 35500011
	StatusTooManyClients     StatusCode = 35500012
	StatusPermissionDenied   StatusCode = 35500013
	StatusServiceDied        StatusCode = 35500014
	StatusSystemError        StatusCode = 35500100
)

var statusNames = map[StatusCode]string{
	StatusOK:                 "ok",
	StatusInvalidArg:         "invalid argument",
	StatusIPCFailure:         "ipc failure",
	StatusInvalidClient:      "invalid client",
	StatusInvalidDevice:      "invalid device handle",
	StatusInvalidPort:        "invalid port",
	StatusWouldBlock:         "would block",
	StatusTimeout:            "timeout",
	StatusTooManyOpenDevices: "too many open devices",
	StatusTooManyOpenPorts:   "too many open ports",
	StatusDeviceAlreadyOpen:  "device already open",
	StatusPortAlreadyOpen:    "port already open",
	StatusTooManyClients:     "too many clients",
	StatusPermissionDenied:   "permission denied",
	StatusServiceDied:        "service died",
	StatusSystemError:        "system error",
}

func (c StatusCode) String() string {
	if s, ok := statusNames[c]; ok {
		return s
	}
	return fmt.Sprintf("status %d", int32(c))
}

// Error makes a StatusCode usable as an error value. StatusOK is never
// returned as an error.
func (c StatusCode) Error() string {
	return c.String()
}

// DeviceType identifies the transport a device is attached through.
type DeviceType int32

const (
	DeviceTypeUSB DeviceType = 0
	DeviceTypeBLE DeviceType = 1
)

// Protocol is the transport protocol a device speaks natively.
type Protocol int32

const (
	ProtocolMidi1 Protocol = 1
	ProtocolMidi2 Protocol = 2
)

// PortDirection tells which way data flows. Input means device to host.
type PortDirection int32

const (
	PortDirectionInput  PortDirection = 0
	PortDirectionOutput PortDirection = 1
)

// DeviceChange distinguishes hotplug notifications.
type DeviceChange int32

const (
	DeviceAdded   DeviceChange = 0
	DeviceRemoved DeviceChange = 1
)

// PortInformation describes one port of an enumerated device.
type PortInformation struct {
	PortIndex uint32        `json:"portIndex"`
	Name      string        `json:"name"`
	Direction PortDirection `json:"direction"`
	Protocol  Protocol      `json:"protocol"`
}

// DeviceInformation describes an enumerated device. DeviceID is the stable
// service-assigned identity; DriverDeviceID is the transport driver's own id
// and never leaves the service.
type DeviceInformation struct {
	DeviceID       int64             `json:"deviceId"`
	DriverDeviceID int64             `json:"-"`
	DeviceType     DeviceType        `json:"deviceType"`
	Protocol       Protocol          `json:"protocol"`
	Address        string            `json:"address"`
	ProductName    string            `json:"productName"`
	VendorName     string            `json:"vendorName"`
	Ports          []PortInformation `json:"ports"`
}

// Event is one UMP event: a timestamp in nanoseconds and one or more 32-bit
// UMP words.
type Event struct {
	Timestamp int64    `json:"timestamp"`
	Data      []uint32 `json:"data"`
}

// Words returns the payload length in 32-bit words.
func (e *Event) Words() int {
	return len(e.Data)
}

// EncryptAddr masks the middle octets of a MAC-like address for logs.
func EncryptAddr(addr string) string {
	const macLen = 17
	if len(addr) != macLen {
		return "**"
	}
	return addr[:5] + "**:**:**" + addr[12:]
}
