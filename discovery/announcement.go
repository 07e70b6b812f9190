package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"runelink/models"
)

const (
	// DefaultVersion is advertised in the version field.
	DefaultVersion = "Technical Preview"
	// DefaultProtocol is the scheme of the advertised API port.
	DefaultProtocol = "http"
)

// Transport moves announcements over the local network.
type Transport interface {
	// Advertise announces a until ctx is done.
	Advertise(ctx context.Context, a Announcement) error
	// Listen calls handle for every announcement received until ctx is done.
	Listen(ctx context.Context, handle func(a Announcement, source net.IP)) error
}

// Announcement is the JSON document a device multicasts to advertise itself.
type Announcement struct {
	models.DeviceInfo
	Announce bool `json:"announce"`
}

// Encode returns the datagram payload for a.
func (a Announcement) Encode() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode announcement: %w", err)
	}
	return raw, nil
}

// DecodeAnnouncement parses a datagram payload. Announcements without a
// fingerprint or with an unknown device type are rejected.
func DecodeAnnouncement(raw []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (a Announcement) validate() error {
	if strings.TrimSpace(a.Fingerprint) == "" {
		return errors.New("announcement has no fingerprint")
	}
	if !a.DeviceType.Valid() {
		return fmt.Errorf("announcement has unknown device type %q", a.DeviceType)
	}
	return nil
}
