package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"runelink/models"
)

func testAnnouncement(fingerprint, alias string) Announcement {
	return Announcement{
		DeviceInfo: models.DeviceInfo{
			Alias:       alias,
			Version:     DefaultVersion,
			DeviceModel: DefaultDeviceModel,
			DeviceType:  models.DeviceTypeDesktop,
			Fingerprint: fingerprint,
			APIPort:     DefaultAPIPort,
			Protocol:    DefaultProtocol,
		},
		Announce: true,
	}
}

func testServiceEntry(fingerprint, alias string, ips ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: alias,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: alias + ".local",
		Port:     DefaultAPIPort,
		Text:     announcementTXT(testAnnouncement(fingerprint, alias)),
	}
	for _, ip := range ips {
		entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP(ip))
	}
	return entry
}

func TestMDNSAdvertiseRegistersTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	transport := NewMDNSTransport(MDNSConfig{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := transport.Advertise(ctx, testAnnouncement("ᚠᚡᚢᚣ", "R-abcd1234")); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}

	if gotInstance != "R-abcd1234" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service %q domain %q", gotService, gotDomain)
	}
	if gotPort != DefaultAPIPort {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	txt := txtToMap(gotTXT)
	if txt["fingerprint"] != "ᚠᚡᚢᚣ" || txt["device_type"] != "desktop" || txt["device_model"] != DefaultDeviceModel {
		t.Fatalf("unexpected TXT records %v", gotTXT)
	}
}

func TestMDNSAdvertiseRejectsMissingFingerprint(t *testing.T) {
	called := false
	transport := NewMDNSTransport(MDNSConfig{
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			called = true
			return nil, nil
		},
	})

	if err := transport.Advertise(context.Background(), testAnnouncement("", "R-abcd1234")); err == nil {
		t.Fatalf("expected error without fingerprint")
	}
	if called {
		t.Fatalf("register must not be called for an invalid announcement")
	}
}

func TestMDNSListenReportsEveryAddress(t *testing.T) {
	transport := NewMDNSTransport(MDNSConfig{
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Kitchen", "10.0.0.2", "10.0.0.3", "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: "printer"}}
			<-ctx.Done()
			return nil
		},
	})

	var (
		mu      sync.Mutex
		sources []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- transport.Listen(ctx, func(a Announcement, source net.IP) {
			if a.Fingerprint != "peer-1" || a.Alias != "Kitchen" {
				t.Errorf("unexpected announcement %+v", a)
			}
			mu.Lock()
			sources = append(sources, source.String())
			mu.Unlock()
		})
	}()

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) == 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sources[0] != "10.0.0.2" || sources[1] != "10.0.0.3" {
		t.Fatalf("unexpected sources %v", sources)
	}
}

func TestMDNSConfigClampsScanTimeout(t *testing.T) {
	cfg := MDNSConfig{RefreshInterval: time.Second, ScanTimeout: 5 * time.Second}.withDefaults()
	if cfg.ScanTimeout != time.Second {
		t.Fatalf("expected scan timeout clamped to refresh interval, got %s", cfg.ScanTimeout)
	}
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("expected default service and domain")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
