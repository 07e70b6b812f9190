package models

// DeviceType classifies an advertising device.
type DeviceType string

const (
	DeviceTypeMobile   DeviceType = "mobile"
	DeviceTypeDesktop  DeviceType = "desktop"
	DeviceTypeWeb      DeviceType = "web"
	DeviceTypeHeadless DeviceType = "headless"
	DeviceTypeServer   DeviceType = "server"
)

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeMobile, DeviceTypeDesktop, DeviceTypeWeb, DeviceTypeHeadless, DeviceTypeServer:
		return true
	default:
		return false
	}
}

// DeviceInfo describes the local device as advertised to peers.
type DeviceInfo struct {
	Alias       string     `json:"alias"`
	Version     string     `json:"version"`
	DeviceModel string     `json:"deviceModel"`
	DeviceType  DeviceType `json:"deviceType"`
	Fingerprint string     `json:"fingerprint"`
	APIPort     int        `json:"api_port"`
	Protocol    string     `json:"protocol"`
}
