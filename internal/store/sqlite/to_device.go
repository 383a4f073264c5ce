package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"e2eed/internal/domain"
)

// ToDeviceStore implements domain.ToDeviceStore.
type ToDeviceStore struct{ db *DB }

func NewToDeviceStore(db *DB) *ToDeviceStore { return &ToDeviceStore{db: db} }

func (s *ToDeviceStore) AddToDeviceMessage(ctx context.Context, m domain.ToDeviceMessage) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO to_device_messages (message_id, user_id, device_id, sender, message_type, content, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.DeviceID, m.Sender, m.Type, string(m.Content), m.CreatedTS)
	if isUniqueViolation(err) {
		return domain.Conflictf("to-device message %s already queued", m.ID)
	}
	if err != nil {
		return fmt.Errorf("queue to-device message: %w", err)
	}
	return nil
}

// ToDeviceMessages returns up to limit messages in delivery order. A limit
// of zero or less returns everything.
func (s *ToDeviceStore) ToDeviceMessages(ctx context.Context, user domain.UserID, device domain.DeviceID, limit int) ([]domain.ToDeviceMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT message_id, sender, message_type, content, created_ts
		FROM to_device_messages
		WHERE user_id = ? AND device_id = ?
		ORDER BY created_ts, message_id
		LIMIT ?`, user, device, limit)
	if err != nil {
		return nil, fmt.Errorf("list to-device messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ToDeviceMessage
	for rows.Next() {
		m := domain.ToDeviceMessage{UserID: user, DeviceID: device}
		var content string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Type, &content, &m.CreatedTS); err != nil {
			return nil, fmt.Errorf("scan to-device message: %w", err)
		}
		m.Content = json.RawMessage(content)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ToDeviceStore) DeleteToDeviceMessages(ctx context.Context, user domain.UserID, device domain.DeviceID, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{user, device}, stringArgs(ids)...)
	res, err := s.db.db.ExecContext(ctx, `
		DELETE FROM to_device_messages
		WHERE user_id = ? AND device_id = ? AND message_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete to-device messages: %w", err)
	}
	return res.RowsAffected()
}

var _ domain.ToDeviceStore = (*ToDeviceStore)(nil)
