package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"runelink/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_runelink._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the zeroconf transport.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultAnnounceInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ScanTimeout > out.RefreshInterval {
		out.ScanTimeout = out.RefreshInterval
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSTransport advertises a zeroconf service whose TXT records carry the
// announcement fields, and browses for the same service.
type MDNSTransport struct {
	cfg MDNSConfig
}

// NewMDNSTransport returns a transport with config defaults applied.
func NewMDNSTransport(config MDNSConfig) *MDNSTransport {
	return &MDNSTransport{cfg: config.withDefaults()}
}

// Advertise registers the service and keeps it registered until ctx is done.
func (t *MDNSTransport) Advertise(ctx context.Context, a Announcement) error {
	if err := a.validate(); err != nil {
		return err
	}

	instance := strings.TrimSpace(a.Alias)
	if instance == "" {
		instance = a.Fingerprint
	}

	server, err := t.cfg.registerFn(instance, t.cfg.Service, t.cfg.Domain, a.APIPort, announcementTXT(a), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	defer func() {
		if server != nil {
			server.Shutdown()
		}
	}()

	<-ctx.Done()
	return nil
}

// Listen browses every refresh interval until ctx is done.
func (t *MDNSTransport) Listen(ctx context.Context, handle func(a Announcement, source net.IP)) error {
	browse := t.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		if err := t.runScan(ctx, browse, handle); err != nil {
			log.Warnw("mDNS browse failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *MDNSTransport) runScan(ctx context.Context, browse browseFunc, handle func(Announcement, net.IP)) error {
	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		results := (<-chan *zeroconf.ServiceEntry)(entries)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				if entry == nil {
					continue
				}
				a, ok := parseEntry(entry)
				if !ok {
					continue
				}
				for _, ip := range entryAddresses(entry) {
					handle(a, ip)
				}
			}
		}
	}()

	browseErr := browse(scanCtx, t.cfg.Service, t.cfg.Domain, entries)
	if browseErr != nil {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func announcementTXT(a Announcement) []string {
	return []string{
		"alias=" + a.Alias,
		"version=" + a.Version,
		"device_model=" + a.DeviceModel,
		"device_type=" + string(a.DeviceType),
		"fingerprint=" + a.Fingerprint,
		"api_port=" + strconv.Itoa(a.APIPort),
		"protocol=" + a.Protocol,
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (Announcement, bool) {
	txt := txtToMap(entry.Text)

	apiPort := entry.Port
	if raw := txt["api_port"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			apiPort = parsed
		}
	}

	alias := txt["alias"]
	if alias == "" {
		alias = strings.TrimSpace(entry.Instance)
	}

	a := Announcement{
		DeviceInfo: models.DeviceInfo{
			Alias:       alias,
			Version:     txt["version"],
			DeviceModel: txt["device_model"],
			DeviceType:  models.DeviceType(txt["device_type"]),
			Fingerprint: txt["fingerprint"],
			APIPort:     apiPort,
			Protocol:    txt["protocol"],
		},
		Announce: true,
	}
	if err := a.validate(); err != nil {
		log.Debugw("ignoring mDNS entry", "instance", entry.Instance, "err", err)
		return Announcement{}, false
	}
	return a, true
}

func entryAddresses(entry *zeroconf.ServiceEntry) []net.IP {
	out := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		key := ip.String()
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ip)
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
