package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultMulticastGroup is the IPv4 group announcements are sent to.
	DefaultMulticastGroup = "224.0.0.167"
	// DefaultMulticastPort is the UDP port of the announcement group.
	DefaultMulticastPort = 57863
	// DefaultAnnounceInterval is the gap between two announcements.
	DefaultAnnounceInterval = 3 * time.Second

	multicastTTL        = 255
	maxDatagramSize     = 65535
	socketSetupAttempts = 3
)

// MulticastConfig controls the multicast transport.
type MulticastConfig struct {
	Group            string
	Port             int
	AnnounceInterval time.Duration
	InitialBackoff   time.Duration

	interfacesFn func() ([]net.Interface, error)
}

func (c MulticastConfig) withDefaults() MulticastConfig {
	out := c
	if out.Group == "" {
		out.Group = DefaultMulticastGroup
	}
	if out.Port <= 0 {
		out.Port = DefaultMulticastPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.interfacesFn == nil {
		out.interfacesFn = multicastInterfaces
	}
	return out
}

// MulticastTransport announces and listens with JSON datagrams on an IPv4
// multicast group, on every multicast-capable interface.
type MulticastTransport struct {
	cfg   MulticastConfig
	group *net.UDPAddr
}

// NewMulticastTransport validates config and returns a transport. Sockets
// are opened per Advertise/Listen call.
func NewMulticastTransport(config MulticastConfig) (*MulticastTransport, error) {
	cfg := config.withDefaults()

	ip := net.ParseIP(cfg.Group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid IPv4 multicast group %q", cfg.Group)
	}

	return &MulticastTransport{
		cfg:   cfg,
		group: &net.UDPAddr{IP: ip, Port: cfg.Port},
	}, nil
}

// Advertise sends a immediately and then every announce interval.
func (t *MulticastTransport) Advertise(ctx context.Context, a Announcement) error {
	a.Announce = true
	payload, err := a.Encode()
	if err != nil {
		return err
	}

	conn, ifaces, err := t.openSender(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(t.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		t.send(conn, ifaces, payload)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen joins the group and reports every valid announcement.
func (t *MulticastTransport) Listen(ctx context.Context, handle func(a Announcement, source net.IP)) error {
	conn, err := t.openReceiver(ctx)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnw("multicast receive failed", "err", err)
			continue
		}

		a, err := DecodeAnnouncement(buf[:n])
		if err != nil {
			log.Debugw("ignoring datagram", "source", src, "err", err)
			continue
		}

		var source net.IP
		if udp, ok := src.(*net.UDPAddr); ok {
			source = udp.IP
		}
		handle(a, source)
	}
}

func (t *MulticastTransport) send(conn *ipv4.PacketConn, ifaces []net.Interface, payload []byte) {
	for i := range ifaces {
		if err := conn.SetMulticastInterface(&ifaces[i]); err != nil {
			log.Debugw("select multicast interface failed", "iface", ifaces[i].Name, "err", err)
			continue
		}
		if _, err := conn.WriteTo(payload, nil, t.group); err != nil {
			log.Warnw("multicast send failed", "iface", ifaces[i].Name, "err", err)
			continue
		}
		log.Debugw("sent announcement", "iface", ifaces[i].Name, "bytes", len(payload))
	}
}

func (t *MulticastTransport) openSender(ctx context.Context) (*ipv4.PacketConn, []net.Interface, error) {
	var (
		conn   *ipv4.PacketConn
		ifaces []net.Interface
	)

	err := t.retry(ctx, func() error {
		found, err := t.cfg.interfacesFn()
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return errors.New("no multicast interfaces found")
		}

		pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("open multicast sender: %w", err)
		}
		p := ipv4.NewPacketConn(pc)
		if err := p.SetMulticastTTL(multicastTTL); err != nil {
			pc.Close()
			return fmt.Errorf("set multicast TTL: %w", err)
		}
		if err := p.SetMulticastLoopback(true); err != nil {
			pc.Close()
			return fmt.Errorf("enable multicast loopback: %w", err)
		}

		conn, ifaces = p, found
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, ifaces, nil
}

func (t *MulticastTransport) openReceiver(ctx context.Context) (*ipv4.PacketConn, error) {
	var conn *ipv4.PacketConn

	err := t.retry(ctx, func() error {
		found, err := t.cfg.interfacesFn()
		if err != nil {
			return err
		}

		lc := net.ListenConfig{Control: reuseAddrControl}
		pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(t.cfg.Port)))
		if err != nil {
			return fmt.Errorf("bind multicast port %d: %w", t.cfg.Port, err)
		}
		p := ipv4.NewPacketConn(pc)

		joined := 0
		for i := range found {
			if err := p.JoinGroup(&found[i], &net.UDPAddr{IP: t.group.IP}); err != nil {
				log.Debugw("join multicast group failed", "iface", found[i].Name, "err", err)
				continue
			}
			joined++
		}
		if joined == 0 {
			pc.Close()
			return errors.New("no multicast interfaces could join the group")
		}

		log.Infow("listening for announcements", "group", t.group.String(), "interfaces", joined)
		conn = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *MulticastTransport) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.InitialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	var b backoff.BackOff = backoff.WithMaxRetries(policy, socketSetupAttempts-1)
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warnw("multicast socket setup failed, retrying", "err", err, "wait", wait)
	})
	if err != nil {
		return fmt.Errorf("multicast socket setup: %w", err)
	}
	return nil
}

func multicastInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	out := make([]net.Interface, 0, len(all))
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				out = append(out, iface)
				break
			}
		}
	}
	return out, nil
}
