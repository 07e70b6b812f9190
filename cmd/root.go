package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"runelink/config"
	"runelink/identity"
	"runelink/storage"
)

var log = logging.Logger("runelink")

var (
	// Global flags
	dataDir       string
	logLevel      string
	outputFormat  string
	signalAddress string

	// Set during PersistentPreRun
	cfg     *config.DeviceConfig
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "runelink",
	Short: "Device identity, broadcast and discovery for Rune players on the local network",
	Long: `runelink keeps this device's identity (alias and certificate fingerprint),
advertises it to other players on the LAN for a limited time and lists the
players that advertise themselves.

Run "runelink backend" once; the other commands talk to it over its signal bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.LevelFromString(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		logging.SetAllLoggers(level)

		if dataDir == "" {
			cfg, cfgPath, err = config.LoadOrCreate()
		} else {
			cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if signalAddress != "" {
			cfg.SignalAddress = signalAddress
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root command for tests.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default is the per-user config directory, or $"+config.DataDirEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&signalAddress, "signal", "", "backend signal bus address (overrides signal_address from config)")
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openIdentity opens the settings database and the identity store on top of it.
func openIdentity() (*storage.Store, *identity.Store, error) {
	db, err := storage.OpenPath(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	store, err := identity.New(db, identity.Config{
		CertificatePath: cfg.CertificatePath,
		PrivateKeyPath:  cfg.PrivateKeyPath,
		Events:          db,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}
