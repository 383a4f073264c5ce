package sqlite

import (
	"context"
	"fmt"

	"e2eed/internal/domain"
)

// EventSignatureStore implements domain.EventSignatureStore.
type EventSignatureStore struct{ db *DB }

func NewEventSignatureStore(db *DB) *EventSignatureStore { return &EventSignatureStore{db: db} }

func (s *EventSignatureStore) PutEventSignature(ctx context.Context, sig domain.EventSignature) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO event_signatures (event_id, user_id, device_id, key_id, signature, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, user_id, device_id, key_id) DO UPDATE SET
			signature = excluded.signature,
			created_ts = excluded.created_ts`,
		sig.EventID, sig.UserID, sig.DeviceID, sig.KeyID, sig.Signature, sig.CreatedTS)
	if err != nil {
		return fmt.Errorf("store event signature: %w", err)
	}
	return nil
}

func (s *EventSignatureStore) EventSignatures(ctx context.Context, eventID string) ([]domain.EventSignature, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT event_id, user_id, device_id, key_id, signature, created_ts
		FROM event_signatures WHERE event_id = ?
		ORDER BY created_ts, user_id, device_id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event signatures: %w", err)
	}
	defer rows.Close()

	var out []domain.EventSignature
	for rows.Next() {
		var sig domain.EventSignature
		if err := rows.Scan(&sig.EventID, &sig.UserID, &sig.DeviceID, &sig.KeyID, &sig.Signature, &sig.CreatedTS); err != nil {
			return nil, fmt.Errorf("scan event signature: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *EventSignatureStore) DeleteEventSignatures(ctx context.Context, eventID string) error {
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM event_signatures WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete event signatures: %w", err)
	}
	return nil
}

var _ domain.EventSignatureStore = (*EventSignatureStore)(nil)
