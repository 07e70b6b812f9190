package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"runelink/models"
	"runelink/storage"
)

var log = logging.Logger("discovery")

const (
	// DefaultBroadcastDuration bounds a broadcast request without a duration.
	DefaultBroadcastDuration = 300 * time.Second
	// DefaultStaleAfter drops cached devices not heard from for this long.
	DefaultStaleAfter = 30 * time.Second
	// DefaultAPIPort is advertised when none is configured.
	DefaultAPIPort = 7863
	// DefaultDeviceModel is advertised when none is configured.
	DefaultDeviceModel = "RuneAudio"
)

// Publisher receives every accepted advertisement.
type Publisher interface {
	PublishDiscovered(msg models.DiscoveredDeviceMessage)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(msg models.DiscoveredDeviceMessage)

func (f PublisherFunc) PublishDiscovered(msg models.DiscoveredDeviceMessage) { f(msg) }

// DeviceRecorder keeps a history of seen devices.
type DeviceRecorder interface {
	UpsertDevice(device storage.Device) error
}

// ScannerConfig wires the scanner to a transport and its consumers.
type ScannerConfig struct {
	Transport Transport
	Publisher Publisher
	Recorder  DeviceRecorder

	DeviceModel string
	DeviceType  models.DeviceType
	Version     string
	Protocol    string
	APIPort     int
	StaleAfter  time.Duration

	Now func() time.Time
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	out := c
	if out.DeviceModel == "" {
		out.DeviceModel = DefaultDeviceModel
	}
	if out.DeviceType == "" {
		out.DeviceType = models.DeviceTypeDesktop
	}
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	if out.Protocol == "" {
		out.Protocol = DefaultProtocol
	}
	if out.APIPort <= 0 {
		out.APIPort = DefaultAPIPort
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Scanner serves broadcast and listen requests on behalf of the UI and
// keeps the cache of devices heard on the network.
type Scanner struct {
	cfg ScannerConfig

	// control serializes replacing and stopping the broadcast and listen
	// tasks so a task is never swapped out before it is running.
	control sync.Mutex

	mu              sync.Mutex
	devices         map[string]models.DiscoveredDeviceMessage
	ips             map[string][]string
	selfFingerprint string
	broadcast       *task
	listen          *task
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config ScannerConfig) (*Scanner, error) {
	cfg := config.withDefaults()
	if cfg.Transport == nil {
		return nil, errors.New("discovery transport is required")
	}
	if !cfg.DeviceType.Valid() {
		return nil, fmt.Errorf("unknown device type %q", cfg.DeviceType)
	}

	return &Scanner{
		cfg:     cfg,
		devices: make(map[string]models.DiscoveredDeviceMessage),
		ips:     make(map[string][]string),
	}, nil
}

// HandleSignal dispatches one request from the signal bus.
func (s *Scanner) HandleSignal(_ context.Context, req models.Request) (any, error) {
	switch r := req.(type) {
	case models.StartBroadcastRequest:
		return nil, s.StartBroadcast(r)
	case models.StopBroadcastRequest:
		s.StopBroadcast()
		return nil, nil
	case models.StartListeningRequest:
		return nil, s.StartListening(r)
	case models.StopListeningRequest:
		s.StopListening()
		return nil, nil
	case models.GetDiscoveredDevicesRequest:
		return models.GetDiscoveredDevicesResponse{Devices: s.Devices()}, nil
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
}

// StartBroadcast replaces any running advertisement with one for req that
// ends on its own after req.DurationSeconds.
func (s *Scanner) StartBroadcast(req models.StartBroadcastRequest) error {
	if req.Fingerprint == "" {
		return errors.New("fingerprint is required to broadcast")
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = DefaultBroadcastDuration
	}

	a := Announcement{
		DeviceInfo: models.DeviceInfo{
			Alias:       req.Alias,
			Version:     s.cfg.Version,
			DeviceModel: s.cfg.DeviceModel,
			DeviceType:  s.cfg.DeviceType,
			Fingerprint: req.Fingerprint,
			APIPort:     s.cfg.APIPort,
			Protocol:    s.cfg.Protocol,
		},
		Announce: true,
	}

	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	previous := s.broadcast
	s.broadcast = nil
	s.mu.Unlock()
	previous.stop()

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	current := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.broadcast = current
	s.mu.Unlock()

	go func() {
		defer close(current.done)
		defer cancel()

		if err := s.cfg.Transport.Advertise(ctx, a); err != nil {
			log.Errorw("broadcast failed", "err", err)
		}

		s.mu.Lock()
		if s.broadcast == current {
			s.broadcast = nil
		}
		s.mu.Unlock()
		log.Infow("broadcast finished", "alias", a.Alias)
	}()

	log.Infow("broadcast started", "alias", a.Alias, "duration", duration)
	return nil
}

// StopBroadcast ends the running advertisement, if any.
func (s *Scanner) StopBroadcast() {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	current := s.broadcast
	s.broadcast = nil
	s.mu.Unlock()
	current.stop()
}

// IsBroadcasting reports whether an advertisement is running.
func (s *Scanner) IsBroadcasting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast != nil
}

// StartListening begins reporting announcements from other devices. A
// running listener is restarted so the self filter follows req.
func (s *Scanner) StartListening(req models.StartListeningRequest) error {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	previous := s.listen
	s.listen = nil
	s.mu.Unlock()
	previous.stop()

	ctx, cancel := context.WithCancel(context.Background())
	current := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.selfFingerprint = req.Fingerprint
	s.listen = current
	s.mu.Unlock()

	go func() {
		defer close(current.done)
		defer cancel()

		if err := s.cfg.Transport.Listen(ctx, s.handleAnnouncement); err != nil {
			log.Errorw("listening failed", "err", err)
		}

		s.mu.Lock()
		if s.listen == current {
			s.listen = nil
		}
		s.mu.Unlock()
	}()

	log.Infow("listening started", "alias", req.Alias)
	return nil
}

// StopListening stops reporting announcements.
func (s *Scanner) StopListening() {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	current := s.listen
	s.listen = nil
	s.mu.Unlock()
	current.stop()
}

// IsListening reports whether announcements are being received.
func (s *Scanner) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listen != nil
}

// Devices returns cached devices heard within the stale window, most
// recently seen first.
func (s *Scanner) Devices() []models.DiscoveredDeviceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter).Unix()
	out := make([]models.DiscoveredDeviceMessage, 0, len(s.devices))
	for fingerprint, device := range s.devices {
		if device.LastSeenUnixEpoch < cutoff {
			delete(s.devices, fingerprint)
			delete(s.ips, fingerprint)
			continue
		}
		device.IPs = append([]string(nil), device.IPs...)
		out = append(out, device)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeenUnixEpoch == out[j].LastSeenUnixEpoch {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].LastSeenUnixEpoch > out[j].LastSeenUnixEpoch
	})
	return out
}

// Close stops broadcasting and listening.
func (s *Scanner) Close() {
	s.StopBroadcast()
	s.StopListening()
}

func (s *Scanner) handleAnnouncement(a Announcement, source net.IP) {
	s.mu.Lock()
	if a.Fingerprint == "" || a.Fingerprint == s.selfFingerprint {
		s.mu.Unlock()
		return
	}

	cutoff := s.cfg.Now().Add(-s.cfg.StaleAfter).Unix()
	if previous, ok := s.devices[a.Fingerprint]; ok && previous.LastSeenUnixEpoch < cutoff {
		delete(s.devices, a.Fingerprint)
		delete(s.ips, a.Fingerprint)
	}

	known := s.ips[a.Fingerprint]
	if len(known) == 0 {
		log.Infow("found new device", "fingerprint", a.Fingerprint, "alias", a.Alias)
	}
	if source != nil {
		ip := source.String()
		if !slices.Contains(known, ip) {
			if len(known) > 0 {
				log.Infow("new address for device", "fingerprint", a.Fingerprint, "ip", ip)
			}
			known = append(known, ip)
			s.ips[a.Fingerprint] = known
		}
	}

	alias := a.Alias
	if alias == "" {
		alias = "Unknown"
	}
	model := a.DeviceModel
	if model == "" {
		model = "Unknown"
	}

	msg := models.DiscoveredDeviceMessage{
		Alias:             alias,
		DeviceModel:       model,
		DeviceType:        string(a.DeviceType),
		Fingerprint:       a.Fingerprint,
		LastSeenUnixEpoch: s.cfg.Now().Unix(),
		IPs:               append([]string(nil), known...),
	}
	s.devices[a.Fingerprint] = msg
	s.mu.Unlock()

	if s.cfg.Recorder != nil {
		err := s.cfg.Recorder.UpsertDevice(storage.Device{
			Fingerprint: msg.Fingerprint,
			Alias:       msg.Alias,
			DeviceModel: msg.DeviceModel,
			DeviceType:  msg.DeviceType,
			IPs:         msg.IPs,
			LastSeen:    msg.LastSeenUnixEpoch * 1000,
		})
		if err != nil {
			log.Warnw("record discovered device failed", "fingerprint", msg.Fingerprint, "err", err)
		}
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.PublishDiscovered(msg)
	}
}
