package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetSetting returns the stored value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("setting key is required")
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting inserts or replaces the value for key.
func (s *Store) SetSetting(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	return nil
}

// DeleteSetting removes key. Deleting a missing key is not an error.
func (s *Store) DeleteSetting(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}

	return nil
}
