package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "runelink"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "RUNELINK_DATA_DIR"

	// DiscoveryModeMulticast announces with JSON datagrams on a multicast group.
	DiscoveryModeMulticast = "multicast"
	// DiscoveryModeMDNS announces with a zeroconf service record.
	DiscoveryModeMDNS = "mdns"

	// DefaultSignalAddress is where the backend serves the signal bus.
	DefaultSignalAddress = "127.0.0.1:7864"
	// DefaultMulticastGroup is the IPv4 group used for announcements.
	DefaultMulticastGroup = "224.0.0.167"
	// DefaultMulticastPort is the UDP port used for announcements.
	DefaultMulticastPort = 57863
	// DefaultAnnounceIntervalSeconds is the gap between two announcements.
	DefaultAnnounceIntervalSeconds = 3
	// DefaultBroadcastDurationSeconds is the broadcast session length.
	DefaultBroadcastDurationSeconds = 300
	// DefaultStaleAfterSeconds drops discovered devices not seen for this long.
	DefaultStaleAfterSeconds = 30
	// DefaultAPIPort is the file API port advertised to peers.
	DefaultAPIPort = 7863
	// DefaultDeviceModel is advertised when no model is configured.
	DefaultDeviceModel = "RuneAudio"
	// DefaultDeviceType is advertised when no type is configured.
	DefaultDeviceType = "desktop"

	// CertificateFileName is the PEM certificate under the data directory.
	CertificateFileName = "certificate.pem"
	// PrivateKeyFileName is the PEM private key under the data directory.
	PrivateKeyFileName = "private_key.pem"
	// DatabaseFileName is the SQLite settings database.
	DatabaseFileName = "runelink.db"

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	InstallationID           string `json:"installation_id"`
	DeviceModel              string `json:"device_model"`
	DeviceType               string `json:"device_type"`
	CertificatePath          string `json:"certificate_path"`
	PrivateKeyPath           string `json:"private_key_path"`
	DatabasePath             string `json:"database_path"`
	SignalAddress            string `json:"signal_address"`
	DiscoveryMode            string `json:"discovery_mode"`
	MulticastGroup           string `json:"multicast_group"`
	MulticastPort            int    `json:"multicast_port"`
	AnnounceIntervalSeconds  int    `json:"announce_interval_seconds"`
	BroadcastDurationSeconds int    `json:"broadcast_duration_seconds"`
	StaleAfterSeconds        int    `json:"stale_after_seconds"`
	APIPort                  int    `json:"api_port"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RUNELINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// DataDir returns the directory holding config.json for a config path.
func DataDir(cfgPath string) string {
	return filepath.Dir(cfgPath)
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.InstallationID, uuid.NewString())
	setString(&cfg.DeviceModel, DefaultDeviceModel)
	setString(&cfg.DeviceType, DefaultDeviceType)
	setString(&cfg.CertificatePath, filepath.Join(dataDir, CertificateFileName))
	setString(&cfg.PrivateKeyPath, filepath.Join(dataDir, PrivateKeyFileName))
	setString(&cfg.DatabasePath, filepath.Join(dataDir, DatabaseFileName))
	setString(&cfg.SignalAddress, DefaultSignalAddress)
	setString(&cfg.MulticastGroup, DefaultMulticastGroup)

	mode := normalizeDiscoveryMode(cfg.DiscoveryMode)
	if mode == "" {
		mode = DiscoveryModeMulticast
	}
	if cfg.DiscoveryMode != mode {
		cfg.DiscoveryMode = mode
		updated = true
	}

	setPositive(&cfg.MulticastPort, DefaultMulticastPort)
	setPositive(&cfg.AnnounceIntervalSeconds, DefaultAnnounceIntervalSeconds)
	setPositive(&cfg.BroadcastDurationSeconds, DefaultBroadcastDurationSeconds)
	setPositive(&cfg.StaleAfterSeconds, DefaultStaleAfterSeconds)
	setPositive(&cfg.APIPort, DefaultAPIPort)

	return updated
}

func normalizeDiscoveryMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case DiscoveryModeMulticast:
		return DiscoveryModeMulticast
	case DiscoveryModeMDNS:
		return DiscoveryModeMDNS
	default:
		return ""
	}
}
