package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetIdentityEventRetention configures automatic identity-event pruning horizon.
func (s *Store) SetIdentityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultIdentityEventRetention
	}
	s.identityEventRetention = retention
}

// LogIdentityEvent inserts an identity event and applies retention pruning.
func (s *Store) LogIdentityEvent(event IdentityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO identity_events (
			event_type,
			old_fingerprint,
			new_fingerprint,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(event.OldFingerprint),
		nullString(event.NewFingerprint),
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert identity event %q: %w", event.EventType, err)
	}

	if s.identityEventRetention > 0 {
		cutoff := time.Now().Add(-s.identityEventRetention).UnixMilli()
		if _, err := s.PruneIdentityEvents(cutoff); err != nil {
			return fmt.Errorf("prune identity events: %w", err)
		}
	}

	return nil
}

// GetIdentityEvents returns the most recent identity events, newest first.
func (s *Store) GetIdentityEvents(eventType string, limit int) ([]IdentityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		old_fingerprint,
		new_fingerprint,
		details,
		timestamp
	FROM identity_events`)

	args := make([]any, 0, 2)
	if eventType != "" {
		query.WriteString(" WHERE event_type = ?")
		args = append(args, eventType)
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get identity events: %w", err)
	}
	defer rows.Close()

	events := make([]IdentityEvent, 0)
	for rows.Next() {
		event, err := scanIdentityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity event rows: %w", err)
	}

	return events, nil
}

// PruneIdentityEvents removes identity events older than cutoffTimestamp.
func (s *Store) PruneIdentityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM identity_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune identity events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for identity event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanIdentityEvent(row scanner) (*IdentityEvent, error) {
	var (
		event          IdentityEvent
		oldFingerprint sql.NullString
		newFingerprint sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&oldFingerprint,
		&newFingerprint,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.OldFingerprint = stringPtr(oldFingerprint)
	event.NewFingerprint = stringPtr(newFingerprint)
	return &event, nil
}
