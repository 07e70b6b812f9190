package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertDevice records a sighting of a peer. The row is replaced wholesale
// except first_seen, which keeps the earliest value.
func (s *Store) UpsertDevice(device Device) error {
	if device.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if device.LastSeen == 0 {
		device.LastSeen = nowUnixMilli()
	}
	if device.FirstSeen == 0 {
		device.FirstSeen = device.LastSeen
	}
	if device.IPs == nil {
		device.IPs = []string{}
	}

	ips, err := json.Marshal(device.IPs)
	if err != nil {
		return fmt.Errorf("marshal device ips: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO discovered_devices (
			fingerprint,
			alias,
			device_model,
			device_type,
			ips,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			alias = excluded.alias,
			device_model = excluded.device_model,
			device_type = excluded.device_type,
			ips = excluded.ips,
			last_seen = excluded.last_seen`,
		device.Fingerprint,
		device.Alias,
		device.DeviceModel,
		device.DeviceType,
		string(ips),
		device.FirstSeen,
		device.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.Fingerprint, err)
	}

	return nil
}

// GetDevice fetches a device by fingerprint.
func (s *Store) GetDevice(fingerprint string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT fingerprint, alias, device_model, device_type, ips, first_seen, last_seen
		FROM discovered_devices
		WHERE fingerprint = ?`,
		fingerprint,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", fingerprint, err)
	}

	return device, nil
}

// ListDevices returns devices seen at or after sinceTimestamp (unix millis),
// most recent first. Pass 0 to list everything.
func (s *Store) ListDevices(sinceTimestamp int64) ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT fingerprint, alias, device_model, device_type, ips, first_seen, last_seen
		FROM discovered_devices
		WHERE last_seen >= ?
		ORDER BY last_seen DESC, fingerprint`,
		sinceTimestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// PruneDevices removes devices last seen before cutoffTimestamp.
func (s *Store) PruneDevices(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM discovered_devices WHERE last_seen < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune devices: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for device prune: %w", err)
	}

	return rowsAffected, nil
}

func scanDevice(row scanner) (*Device, error) {
	var (
		device Device
		ips    string
	)
	if err := row.Scan(
		&device.Fingerprint,
		&device.Alias,
		&device.DeviceModel,
		&device.DeviceType,
		&ips,
		&device.FirstSeen,
		&device.LastSeen,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ips), &device.IPs); err != nil {
		return nil, fmt.Errorf("decode device ips: %w", err)
	}

	return &device, nil
}
