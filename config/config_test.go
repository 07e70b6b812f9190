package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.InstallationID == "" {
		t.Fatalf("expected non-empty installation ID")
	}
	if firstCfg.DiscoveryMode != DiscoveryModeMulticast {
		t.Fatalf("expected default discovery mode %q, got %q", DiscoveryModeMulticast, firstCfg.DiscoveryMode)
	}
	if firstCfg.BroadcastDurationSeconds != DefaultBroadcastDurationSeconds {
		t.Fatalf("expected default broadcast duration %d, got %d", DefaultBroadcastDurationSeconds, firstCfg.BroadcastDurationSeconds)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	if firstCfg.CertificatePath != filepath.Join(tempDir, CertificateFileName) {
		t.Fatalf("unexpected certificate path %q", firstCfg.CertificatePath)
	}
	if firstCfg.PrivateKeyPath != filepath.Join(tempDir, PrivateKeyFileName) {
		t.Fatalf("unexpected private key path %q", firstCfg.PrivateKeyPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.InstallationID != firstCfg.InstallationID {
		t.Fatalf("expected stable installation ID, got %q then %q", firstCfg.InstallationID, secondCfg.InstallationID)
	}
	if secondCfg.CertificatePath != firstCfg.CertificatePath {
		t.Fatalf("expected stable certificate path, got %q then %q", firstCfg.CertificatePath, secondCfg.CertificatePath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()

	if err := EnsureDataDirectory(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectory failed: %v", err)
	}

	legacy := &DeviceConfig{
		InstallationID: "legacy-install",
		DiscoveryMode:  "MDNS",
		MulticastPort:  40000,
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.InstallationID != "legacy-install" {
		t.Fatalf("expected installation ID to be retained, got %q", cfg.InstallationID)
	}
	if cfg.DiscoveryMode != DiscoveryModeMDNS {
		t.Fatalf("expected discovery mode to normalize to %q, got %q", DiscoveryModeMDNS, cfg.DiscoveryMode)
	}
	if cfg.MulticastPort != 40000 {
		t.Fatalf("expected custom multicast port to be retained, got %d", cfg.MulticastPort)
	}
	if cfg.SignalAddress != DefaultSignalAddress {
		t.Fatalf("expected default signal address, got %q", cfg.SignalAddress)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.StaleAfterSeconds != DefaultStaleAfterSeconds {
		t.Fatalf("expected normalized config to be persisted, got stale_after_seconds=%d", reloaded.StaleAfterSeconds)
	}
}
