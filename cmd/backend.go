package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"runelink/config"
	"runelink/discovery"
	"runelink/identity"
	"runelink/models"
	"runelink/network"
)

// deviceHistoryRetention bounds how long the backend remembers devices.
const deviceHistoryRetention = 30 * 24 * time.Hour

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the discovery backend and serve its signal bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		db, store, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := store.Init(ctx)
		if err != nil {
			return fmt.Errorf("startup failed while preparing identity: %w", err)
		}

		if removed, err := db.PruneDevices(time.Now().Add(-deviceHistoryRetention).UnixMilli()); err != nil {
			log.Warnw("device history prune failed", "err", err)
		} else if removed > 0 {
			log.Infow("pruned device history", "removed", removed)
		}

		watcher, err := identity.NewWatcher(store)
		if err != nil {
			return fmt.Errorf("startup failed while watching certificate: %w", err)
		}
		defer watcher.Close()
		go watcher.Run(ctx)

		transport, err := newDiscoveryTransport(cfg)
		if err != nil {
			return err
		}

		var server *network.Server
		scanner, err := discovery.NewScanner(discovery.ScannerConfig{
			Transport: transport,
			Publisher: discovery.PublisherFunc(func(msg models.DiscoveredDeviceMessage) {
				server.PublishDiscovered(msg)
			}),
			Recorder:    db,
			DeviceModel: cfg.DeviceModel,
			DeviceType:  models.DeviceType(cfg.DeviceType),
			APIPort:     cfg.APIPort,
			StaleAfter:  time.Duration(cfg.StaleAfterSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("startup failed while creating scanner: %w", err)
		}
		defer scanner.Close()

		server = network.NewServer(scanner)
		if err := server.Listen(cfg.SignalAddress); err != nil {
			return fmt.Errorf("startup failed while starting signal bus: %w", err)
		}
		defer server.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Alias:           %s\n", id.Alias)
		fmt.Fprintf(out, "Fingerprint:     %s\n", id.Fingerprint)
		fmt.Fprintf(out, "Discovery Mode:  %s\n", cfg.DiscoveryMode)
		fmt.Fprintf(out, "Signal Bus:      %s\n", network.SignalURL(server.Addr().String()))
		fmt.Fprintf(out, "Data Directory:  %s\n", config.DataDir(cfgPath))

		<-ctx.Done()
		fmt.Fprintln(out, "Shutting down.")
		return nil
	},
}

func newDiscoveryTransport(cfg *config.DeviceConfig) (discovery.Transport, error) {
	interval := time.Duration(cfg.AnnounceIntervalSeconds) * time.Second

	switch cfg.DiscoveryMode {
	case config.DiscoveryModeMDNS:
		return discovery.NewMDNSTransport(discovery.MDNSConfig{RefreshInterval: interval}), nil
	default:
		transport, err := discovery.NewMulticastTransport(discovery.MulticastConfig{
			Group:            cfg.MulticastGroup,
			Port:             cfg.MulticastPort,
			AnnounceInterval: interval,
		})
		if err != nil {
			return nil, fmt.Errorf("startup failed while configuring multicast: %w", err)
		}
		return transport, nil
	}
}

func init() {
	rootCmd.AddCommand(backendCmd)
}
