package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// OlmSessionStore implements domain.OlmSessionStore.
type OlmSessionStore struct{ db *DB }

func NewOlmSessionStore(db *DB) *OlmSessionStore { return &OlmSessionStore{db: db} }

const olmColumns = `session_id, user_id, device_id, sender_key, receiver_key, pickle,
	message_index, created_at, last_used_at, expires_at`

func (s *OlmSessionStore) SaveOlmSession(ctx context.Context, sess domain.OlmSession) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO olm_sessions (`+olmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, sess.DeviceID, sess.SenderKey, sess.ReceiverKey, sess.Pickle,
		int64(sess.MessageIndex), sess.CreatedAt, sess.LastUsedAt, sess.ExpiresAt)
	if isUniqueViolation(err) {
		return domain.Conflictf("olm session %s already exists", sess.SessionID)
	}
	if err != nil {
		return fmt.Errorf("save olm session: %w", err)
	}
	return nil
}

func (s *OlmSessionStore) UpdateOlmSession(ctx context.Context, sess domain.OlmSession) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE olm_sessions SET
			pickle = ?,
			message_index = MAX(message_index, ?),
			last_used_at = ?
		WHERE session_id = ?`,
		sess.Pickle, int64(sess.MessageIndex), sess.LastUsedAt, sess.SessionID)
	if err != nil {
		return fmt.Errorf("update olm session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("olm session %s", sess.SessionID)
	}
	return nil
}

func (s *OlmSessionStore) GetOlmSession(ctx context.Context, sessionID string) (domain.OlmSession, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+olmColumns+` FROM olm_sessions WHERE session_id = ?`, sessionID)
	sess, err := scanOlmSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OlmSession{}, domain.NotFoundf("olm session %s", sessionID)
	}
	return sess, err
}

// OlmSessionsBySenderKey returns the peer's sessions, most recently used first.
func (s *OlmSessionStore) OlmSessionsBySenderKey(ctx context.Context, senderKey string) ([]domain.OlmSession, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+olmColumns+` FROM olm_sessions
		WHERE sender_key = ? ORDER BY last_used_at DESC, session_id`, senderKey)
	if err != nil {
		return nil, fmt.Errorf("list olm sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.OlmSession
	for rows.Next() {
		sess, err := scanOlmSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *OlmSessionStore) DeleteOlmSession(ctx context.Context, sessionID string) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM olm_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete olm session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("olm session %s", sessionID)
	}
	return nil
}

func (s *OlmSessionStore) DeleteExpiredOlmSessions(ctx context.Context, nowMS int64) (int64, error) {
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM olm_sessions WHERE expires_at > 0 AND expires_at <= ?`, nowMS)
	if err != nil {
		return 0, fmt.Errorf("delete expired olm sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOlmSession(r scanner) (domain.OlmSession, error) {
	var sess domain.OlmSession
	var idx int64
	err := r.Scan(&sess.SessionID, &sess.UserID, &sess.DeviceID, &sess.SenderKey, &sess.ReceiverKey,
		&sess.Pickle, &idx, &sess.CreatedAt, &sess.LastUsedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OlmSession{}, err
	}
	if err != nil {
		return domain.OlmSession{}, fmt.Errorf("scan olm session: %w", err)
	}
	sess.MessageIndex = uint64(idx)
	return sess, nil
}

var _ domain.OlmSessionStore = (*OlmSessionStore)(nil)
