package storage

import (
	"testing"
	"time"
)

func TestLogAndQueryIdentityEvents(t *testing.T) {
	store := newTestStore(t)

	now := nowUnixMilli()
	oldFP := "fp-old"
	newFP := "fp-new"

	if err := store.LogIdentityEvent(IdentityEvent{
		EventType:      IdentityEventCertificateGenerated,
		NewFingerprint: &oldFP,
		Details:        `{"reason":"missing_certificate"}`,
		Timestamp:      now - 1_000,
	}); err != nil {
		t.Fatalf("LogIdentityEvent first failed: %v", err)
	}
	if err := store.LogIdentityEvent(IdentityEvent{
		EventType:      IdentityEventCertificateGenerated,
		OldFingerprint: &oldFP,
		NewFingerprint: &newFP,
		Details:        `{"reason":"missing_private_key"}`,
		Timestamp:      now,
	}); err != nil {
		t.Fatalf("LogIdentityEvent second failed: %v", err)
	}
	if err := store.LogIdentityEvent(IdentityEvent{
		EventType: IdentityEventAliasChanged,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogIdentityEvent alias failed: %v", err)
	}

	events, err := store.GetIdentityEvents(IdentityEventCertificateGenerated, 10)
	if err != nil {
		t.Fatalf("GetIdentityEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 certificate events, got %d", len(events))
	}
	if events[0].NewFingerprint == nil || *events[0].NewFingerprint != newFP {
		t.Fatalf("expected newest event first, got %+v", events[0])
	}
	if events[0].OldFingerprint == nil || *events[0].OldFingerprint != oldFP {
		t.Fatalf("expected old fingerprint on rotation event, got %+v", events[0].OldFingerprint)
	}
	if events[1].OldFingerprint != nil {
		t.Fatalf("expected nil old fingerprint on first generation")
	}

	all, err := store.GetIdentityEvents("", 10)
	if err != nil {
		t.Fatalf("GetIdentityEvents all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events total, got %d", len(all))
	}
}

func TestLogIdentityEventValidatesAndPrunes(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogIdentityEvent(IdentityEvent{}); err == nil {
		t.Fatalf("expected error for missing event type")
	}
	if err := store.LogIdentityEvent(IdentityEvent{EventType: "x", Details: "not json"}); err == nil {
		t.Fatalf("expected error for invalid details")
	}

	store.SetIdentityEventRetention(time.Hour)
	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := store.LogIdentityEvent(IdentityEvent{EventType: "stale", Timestamp: stale}); err != nil {
		t.Fatalf("LogIdentityEvent stale failed: %v", err)
	}

	events, err := store.GetIdentityEvents("stale", 10)
	if err != nil {
		t.Fatalf("GetIdentityEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected stale event to be pruned on insert, got %d", len(events))
	}
}
