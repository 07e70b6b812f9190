package neighbors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"runelink/models"
)

const (
	// DefaultStaleAfter is how long a device stays listed without a new advertisement.
	DefaultStaleAfter = 30 * time.Second
	// DefaultPruneInterval is how often stale devices are swept.
	DefaultPruneInterval = 5 * time.Second
)

// DiscoveredDevice is one peer as last advertised.
type DiscoveredDevice struct {
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Alias       string    `json:"alias" yaml:"alias"`
	DeviceModel string    `json:"device_model" yaml:"device_model"`
	DeviceType  string    `json:"device_type" yaml:"device_type"`
	IPs         []string  `json:"ips" yaml:"ips"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
}

// ListenerState is a snapshot of the listening session.
type ListenerState struct {
	IsListening bool                        `json:"is_listening" yaml:"is_listening"`
	Error       string                      `json:"error,omitempty" yaml:"error,omitempty"`
	Devices     map[string]DiscoveredDevice `json:"devices" yaml:"devices"`
}

// ListenerConfig controls device staleness.
type ListenerConfig struct {
	StaleAfter    time.Duration
	PruneInterval time.Duration
	Clock         clock.Clock
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	out := c
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

type listenSession struct {
	cancel context.CancelFunc
}

// DeviceListener keeps the table of peers seen during a listening session.
type DeviceListener struct {
	cfg       ListenerConfig
	transport Transport
	identity  IdentityProvider

	mu        sync.Mutex
	listening bool
	err       string
	devices   map[string]DiscoveredDevice
	session   *listenSession
	wg        sync.WaitGroup

	listeners notifier[ListenerState]
}

// NewDeviceListener creates a listener that is not yet listening.
func NewDeviceListener(transport Transport, identity IdentityProvider, config ListenerConfig) *DeviceListener {
	return &DeviceListener{
		cfg:       config.withDefaults(),
		transport: transport,
		identity:  identity,
		devices:   make(map[string]DiscoveredDevice),
	}
}

// State returns a copy of the listening state and device table.
func (l *DeviceListener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Devices returns the discovered devices ordered by alias, then fingerprint.
func (l *DeviceListener) Devices() []DiscoveredDevice {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]DiscoveredDevice, 0, len(l.devices))
	for _, device := range l.devices {
		out = append(out, copyDevice(device))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias == out[j].Alias {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

// Subscribe returns a channel receiving a snapshot after every change.
func (l *DeviceListener) Subscribe() (<-chan ListenerState, func()) {
	return l.listeners.subscribe()
}

// StartListening subscribes to peer advertisements and asks the backend to
// listen. Failures are recorded in State().Error and also returned; the
// listener is never left listening after a failed start.
func (l *DeviceListener) StartListening(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listening {
		return nil
	}

	id, err := l.identity.Identity(ctx)
	if err != nil {
		return l.failLocked(fmt.Errorf("%w: %v", ErrIdentityNotInitialized, err))
	}
	if id.Alias == "" || id.Fingerprint == "" {
		return l.failLocked(ErrIdentityNotInitialized)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	events, err := l.transport.SubscribeDiscovered(subCtx)
	if err != nil {
		cancel()
		return l.failLocked(fmt.Errorf("subscribe discovered devices: %w", err))
	}

	err = l.transport.Send(ctx, models.StartListeningRequest{
		Alias:       id.Alias,
		Fingerprint: id.Fingerprint,
	})
	if err != nil {
		cancel()
		withdraw(l.transport, models.StopListeningRequest{})
		return l.failLocked(fmt.Errorf("send start listening: %w", err))
	}

	session := &listenSession{cancel: cancel}
	l.session = session
	l.listening = true
	l.err = ""
	l.listeners.notify(l.snapshotLocked())

	ticker := l.cfg.Clock.Ticker(l.cfg.PruneInterval)
	l.wg.Add(2)
	go l.consume(subCtx, session, events)
	go l.pruneLoop(subCtx, ticker)

	log.Infow("listening for devices", "alias", id.Alias)
	return nil
}

// StopListening ends the session and clears the device table. Calling it
// while not listening does nothing.
func (l *DeviceListener) StopListening(ctx context.Context) error {
	l.mu.Lock()
	if !l.listening {
		l.mu.Unlock()
		return nil
	}

	sendErr := l.transport.Send(ctx, models.StopListeningRequest{})
	l.endSessionLocked()
	l.err = ""
	if sendErr != nil {
		sendErr = fmt.Errorf("send stop listening: %w", sendErr)
		l.err = sendErr.Error()
	}
	l.listeners.notify(l.snapshotLocked())
	l.mu.Unlock()

	l.wg.Wait()
	log.Infow("stopped listening for devices")
	return sendErr
}

// Close cancels the subscription and timers and releases subscribers.
func (l *DeviceListener) Close() {
	l.mu.Lock()
	l.endSessionLocked()
	l.mu.Unlock()

	l.wg.Wait()
	l.listeners.closeAll()
}

func (l *DeviceListener) consume(ctx context.Context, session *listenSession, events <-chan models.DiscoveredDeviceMessage) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				l.streamClosed(session)
				return
			}
			l.apply(session, msg)
		}
	}
}

func (l *DeviceListener) apply(session *listenSession, msg models.DiscoveredDeviceMessage) {
	if msg.Fingerprint == "" {
		log.Debugw("dropping advertisement without fingerprint", "alias", msg.Alias)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session {
		return
	}

	lastSeen := l.cfg.Clock.Now()
	if msg.LastSeenUnixEpoch > 0 {
		lastSeen = time.Unix(msg.LastSeenUnixEpoch, 0)
	}

	l.devices[msg.Fingerprint] = DiscoveredDevice{
		Fingerprint: msg.Fingerprint,
		Alias:       msg.Alias,
		DeviceModel: msg.DeviceModel,
		DeviceType:  msg.DeviceType,
		IPs:         append([]string(nil), msg.IPs...),
		LastSeen:    lastSeen,
	}
	l.listeners.notify(l.snapshotLocked())
}

func (l *DeviceListener) streamClosed(session *listenSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != session {
		return
	}

	session.cancel()
	l.session = nil
	l.listening = false
	l.devices = make(map[string]DiscoveredDevice)
	l.err = "discovery stream closed"
	l.listeners.notify(l.snapshotLocked())
	log.Warnw("discovery stream closed while listening")
}

func (l *DeviceListener) pruneLoop(ctx context.Context, ticker *clock.Ticker) {
	defer l.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *DeviceListener) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return
	}

	cutoff := l.cfg.Clock.Now().Add(-l.cfg.StaleAfter)
	removed := 0
	for fingerprint, device := range l.devices {
		if device.LastSeen.Before(cutoff) {
			delete(l.devices, fingerprint)
			removed++
		}
	}
	if removed > 0 {
		l.listeners.notify(l.snapshotLocked())
		log.Debugw("pruned stale devices", "count", removed)
	}
}

// endSessionLocked must be called with l.mu held.
func (l *DeviceListener) endSessionLocked() {
	if l.session != nil {
		l.session.cancel()
		l.session = nil
	}
	l.listening = false
	l.devices = make(map[string]DiscoveredDevice)
}

// failLocked must be called with l.mu held.
func (l *DeviceListener) failLocked(err error) error {
	l.listening = false
	l.err = err.Error()
	l.listeners.notify(l.snapshotLocked())
	log.Warnw("start listening failed", "err", err)
	return err
}

// snapshotLocked must be called with l.mu held.
func (l *DeviceListener) snapshotLocked() ListenerState {
	devices := make(map[string]DiscoveredDevice, len(l.devices))
	for fingerprint, device := range l.devices {
		devices[fingerprint] = copyDevice(device)
	}
	return ListenerState{IsListening: l.listening, Error: l.err, Devices: devices}
}

func copyDevice(device DiscoveredDevice) DiscoveredDevice {
	device.IPs = append([]string(nil), device.IPs...)
	return device
}
