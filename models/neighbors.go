package models

// Signal names carried in the envelope type field of the signal bus.
const (
	SignalStartBroadcast          = "start_broadcast"
	SignalStopBroadcast           = "stop_broadcast"
	SignalStartListening          = "start_listening"
	SignalStopListening           = "stop_listening"
	SignalDiscoveredDevice        = "discovered_device"
	SignalGetDiscoveredDevices    = "get_discovered_devices"
	SignalGetDiscoveredDevicesAck = "get_discovered_devices_response"
	SignalAck                     = "ack"
	SignalError                   = "error"
)

// Request is implemented by every message the UI side sends to the backend.
type Request interface {
	SignalType() string
}

// StartBroadcastRequest asks the backend to advertise this device.
type StartBroadcastRequest struct {
	DurationSeconds int    `json:"duration_seconds"`
	Alias           string `json:"alias"`
	Fingerprint     string `json:"fingerprint"`
}

// StopBroadcastRequest ends an active advertisement.
type StopBroadcastRequest struct{}

// StartListeningRequest asks the backend to report peer advertisements.
type StartListeningRequest struct {
	Alias       string `json:"alias"`
	Fingerprint string `json:"fingerprint"`
}

// StopListeningRequest ends peer advertisement reporting.
type StopListeningRequest struct{}

// GetDiscoveredDevicesRequest asks for the backend's current device cache.
type GetDiscoveredDevicesRequest struct{}

// GetDiscoveredDevicesResponse answers GetDiscoveredDevicesRequest.
type GetDiscoveredDevicesResponse struct {
	Devices []DiscoveredDeviceMessage `json:"devices"`
}

// DiscoveredDeviceMessage is emitted for every advertisement received while listening.
type DiscoveredDeviceMessage struct {
	Alias             string   `json:"alias"`
	DeviceModel       string   `json:"device_model"`
	DeviceType        string   `json:"device_type"`
	Fingerprint       string   `json:"fingerprint"`
	LastSeenUnixEpoch int64    `json:"last_seen_unix_epoch"`
	IPs               []string `json:"ips"`
}

func (StartBroadcastRequest) SignalType() string       { return SignalStartBroadcast }
func (StopBroadcastRequest) SignalType() string        { return SignalStopBroadcast }
func (StartListeningRequest) SignalType() string       { return SignalStartListening }
func (StopListeningRequest) SignalType() string        { return SignalStopListening }
func (GetDiscoveredDevicesRequest) SignalType() string { return SignalGetDiscoveredDevices }
