package cmd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"runelink/crypto"
	"runelink/storage"
)

var (
	verifyAddress string
	verifyPort    int
)

var verifyCmd = &cobra.Command{
	Use:   "verify <fingerprint>",
	Short: "Check that a discovered device presents the certificate it advertised",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprint := args[0]

		db, store, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		if _, err := store.Init(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}

		addresses := []string{verifyAddress}
		if verifyAddress == "" {
			device, err := db.GetDevice(fingerprint)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("device %s was never discovered; pass --address", crypto.FormatFingerprint(fingerprint))
			}
			if err != nil {
				return fmt.Errorf("failed to look up device: %w", err)
			}
			port := verifyPort
			if port <= 0 {
				port = cfg.APIPort
			}
			addresses = addresses[:0]
			for _, ip := range device.IPs {
				addresses = append(addresses, net.JoinHostPort(ip, strconv.Itoa(port)))
			}
		}

		own, err := crypto.LoadTLSCertificate(cfg.CertificatePath, cfg.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to load own certificate: %w", err)
		}
		tlsConfig := crypto.PinnedClientConfig(own, fingerprint)
		dialer := &net.Dialer{Timeout: 5 * time.Second}

		var lastErr error
		for _, address := range addresses {
			conn, err := tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
			if err != nil {
				log.Debugw("verification attempt failed", "address", address, "err", err)
				lastErr = err
				continue
			}
			conn.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Verified %s at %s.\n", crypto.FormatFingerprint(fingerprint), address)
			return nil
		}
		if lastErr == nil {
			lastErr = errors.New("no known address")
		}
		return fmt.Errorf("failed to verify device: %w", lastErr)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAddress, "address", "", "host:port to dial instead of the recorded addresses")
	verifyCmd.Flags().IntVar(&verifyPort, "port", 0, "port to dial on recorded addresses (default api_port from config)")
	rootCmd.AddCommand(verifyCmd)
}
