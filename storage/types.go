package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// IdentityEventCertificateGenerated is logged when the device certificate is (re)created.
	IdentityEventCertificateGenerated = "certificate_generated"
	// IdentityEventAliasChanged is logged when the user renames the device.
	IdentityEventAliasChanged = "alias_changed"
)

// Device is the SQLite representation of a peer seen on the network.
type Device struct {
	Fingerprint string
	Alias       string
	DeviceModel string
	DeviceType  string
	IPs         []string
	FirstSeen   int64
	LastSeen    int64
}

// IdentityEvent records one change of the local device identity.
type IdentityEvent struct {
	ID             int64
	EventType      string
	OldFingerprint *string
	NewFingerprint *string
	Details        string
	Timestamp      int64
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
