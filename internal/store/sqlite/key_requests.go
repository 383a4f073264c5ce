package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// KeyRequestStore implements domain.KeyRequestStore.
type KeyRequestStore struct{ db *DB }

func NewKeyRequestStore(db *DB) *KeyRequestStore { return &KeyRequestStore{db: db} }

const keyRequestColumns = `request_id, user_id, device_id, room_id, session_id, algorithm,
	sender_key, requesting_device_id, action, created_ts, fulfilled,
	fulfilled_by_device, fulfilled_ts`

func (s *KeyRequestStore) CreateKeyRequest(ctx context.Context, r domain.KeyRequest) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO key_requests (request_id, user_id, device_id, room_id, session_id, algorithm,
			sender_key, requesting_device_id, action, created_ts, fulfilled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		r.RequestID, r.UserID, r.DeviceID, r.RoomID, r.SessionID, r.Algorithm,
		r.SenderKey, r.RequestingDeviceID, string(r.Action), r.CreatedTS)
	if isUniqueViolation(err) {
		return domain.Conflictf("key request %s already exists", r.RequestID)
	}
	if err != nil {
		return fmt.Errorf("create key request: %w", err)
	}
	return nil
}

func (s *KeyRequestStore) KeyRequest(ctx context.Context, id string) (domain.KeyRequest, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+keyRequestColumns+` FROM key_requests WHERE request_id = ?`, id)
	r, err := scanKeyRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.KeyRequest{}, domain.NotFoundf("key request %s", id)
	}
	return r, err
}

func (s *KeyRequestStore) FulfillKeyRequest(ctx context.Context, id string, device domain.DeviceID, nowMS int64) (bool, error) {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE key_requests SET
			fulfilled = 1,
			fulfilled_by_device = ?,
			fulfilled_ts = ?
		WHERE request_id = ? AND fulfilled = 0 AND action IN (?, ?)`,
		device, nowMS, id, string(domain.ActionRequest), string(domain.ActionRequested))
	if err != nil {
		return false, fmt.Errorf("fulfill key request: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *KeyRequestStore) CancelKeyRequest(ctx context.Context, id string) error {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE key_requests SET action = ? WHERE request_id = ?`,
		string(domain.ActionCancelled), id)
	if err != nil {
		return fmt.Errorf("cancel key request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("key request %s", id)
	}
	return nil
}

// PendingKeyRequests lists open requests, oldest first. An empty user lists
// every user's.
func (s *KeyRequestStore) PendingKeyRequests(ctx context.Context, user domain.UserID) ([]domain.KeyRequest, error) {
	q := `SELECT ` + keyRequestColumns + ` FROM key_requests
		WHERE fulfilled = 0 AND action IN (?, ?)`
	args := []any{string(domain.ActionRequest), string(domain.ActionRequested)}
	if user != "" {
		q += ` AND user_id = ?`
		args = append(args, user)
	}
	q += ` ORDER BY created_ts, request_id`

	rows, err := s.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending key requests: %w", err)
	}
	defer rows.Close()

	var out []domain.KeyRequest
	for rows.Next() {
		r, err := scanKeyRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *KeyRequestStore) DeleteFulfilledKeyRequests(ctx context.Context, beforeMS int64) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, `
		DELETE FROM key_requests
		WHERE (fulfilled = 1 AND fulfilled_ts < ?)
			OR (action IN (?, ?) AND created_ts < ?)`,
		beforeMS, string(domain.ActionCancelled), string(domain.ActionCancellation), beforeMS)
	if err != nil {
		return 0, fmt.Errorf("delete fulfilled key requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *KeyRequestStore) DeleteUnfulfilledKeyRequests(ctx context.Context, beforeMS int64) (int64, error) {
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM key_requests WHERE fulfilled = 0 AND created_ts < ?`, beforeMS)
	if err != nil {
		return 0, fmt.Errorf("delete stale key requests: %w", err)
	}
	return res.RowsAffected()
}

func scanKeyRequest(r scanner) (domain.KeyRequest, error) {
	var kr domain.KeyRequest
	var action string
	var fulfilled int
	var byDevice sql.NullString
	var fulfilledTS sql.NullInt64
	err := r.Scan(&kr.RequestID, &kr.UserID, &kr.DeviceID, &kr.RoomID, &kr.SessionID, &kr.Algorithm,
		&kr.SenderKey, &kr.RequestingDeviceID, &action, &kr.CreatedTS, &fulfilled,
		&byDevice, &fulfilledTS)
	if errors.Is(err, sql.ErrNoRows) {
		return kr, err
	}
	if err != nil {
		return kr, fmt.Errorf("scan key request: %w", err)
	}
	kr.Action = domain.KeyRequestAction(action)
	kr.Fulfilled = fulfilled == 1
	kr.FulfilledByDevice = domain.DeviceID(byDevice.String)
	kr.FulfilledTS = fulfilledTS.Int64
	return kr, nil
}

var _ domain.KeyRequestStore = (*KeyRequestStore)(nil)
