package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertDevice(t *testing.T, store *Store, fingerprint, alias string, lastSeen int64) {
	t.Helper()

	err := store.UpsertDevice(Device{
		Fingerprint: fingerprint,
		Alias:       alias,
		DeviceModel: "RuneAudio",
		DeviceType:  "desktop",
		IPs:         []string{"192.168.1.10"},
		LastSeen:    lastSeen,
	})
	if err != nil {
		t.Fatalf("upsert device %q: %v", fingerprint, err)
	}
}
