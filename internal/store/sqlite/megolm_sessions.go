package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// MegolmSessionStore implements domain.MegolmSessionStore. Outbound and
// inbound copies of the same session share a session_id and are told apart
// by the outbound flag.
type MegolmSessionStore struct{ db *DB }

func NewMegolmSessionStore(db *DB) *MegolmSessionStore { return &MegolmSessionStore{db: db} }

const megolmColumns = `session_id, room_id, sender_key, algorithm, outbound, active, secret,
	message_index, created_at, last_used_at, expires_at`

func (s *MegolmSessionStore) CreateOutbound(ctx context.Context, sess domain.MegolmSession) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE megolm_sessions SET active = 0 WHERE room_id = ? AND outbound = 1`, sess.RoomID); err != nil {
			return fmt.Errorf("deactivate outbound sessions: %w", err)
		}
		sess.Outbound, sess.Active = true, true
		return insertMegolm(ctx, tx, sess)
	})
}

func (s *MegolmSessionStore) ActiveOutbound(ctx context.Context, room domain.RoomID) (domain.MegolmSession, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT `+megolmColumns+` FROM megolm_sessions
		WHERE room_id = ? AND outbound = 1 AND active = 1
		ORDER BY created_at DESC LIMIT 1`, room)
	sess, err := scanMegolmSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MegolmSession{}, domain.NotFoundf("no active outbound session in %s", room)
	}
	return sess, err
}

func (s *MegolmSessionStore) SaveInbound(ctx context.Context, sess domain.MegolmSession) error {
	sess.Outbound, sess.Active = false, false
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return insertMegolm(ctx, tx, sess)
	})
}

func (s *MegolmSessionStore) GetInbound(ctx context.Context, room domain.RoomID, sessionID string) (domain.MegolmSession, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT `+megolmColumns+` FROM megolm_sessions
		WHERE session_id = ? AND room_id = ? AND outbound = 0`, sessionID, room)
	sess, err := scanMegolmSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MegolmSession{}, domain.NotFoundf("inbound session %s in %s", sessionID, room)
	}
	return sess, err
}

func (s *MegolmSessionStore) UpdateMegolmSession(ctx context.Context, sess domain.MegolmSession) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE megolm_sessions SET
			secret = ?,
			message_index = MAX(message_index, ?),
			last_used_at = ?
		WHERE session_id = ? AND outbound = ?`,
		sess.Secret, int64(sess.MessageIndex), sess.LastUsedAt, sess.SessionID, boolToInt(sess.Outbound))
	if err != nil {
		return fmt.Errorf("update megolm session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("megolm session %s", sess.SessionID)
	}
	return nil
}

func (s *MegolmSessionStore) RoomSessions(ctx context.Context, room domain.RoomID) ([]domain.MegolmSession, error) {
	return s.query(ctx, `
		SELECT `+megolmColumns+` FROM megolm_sessions
		WHERE room_id = ? ORDER BY created_at, session_id, outbound`, room)
}

func (s *MegolmSessionStore) AllInbound(ctx context.Context) ([]domain.MegolmSession, error) {
	return s.query(ctx, `
		SELECT `+megolmColumns+` FROM megolm_sessions
		WHERE outbound = 0 ORDER BY room_id, created_at, session_id`)
}

// DeleteMegolmSession removes both directions of the session.
func (s *MegolmSessionStore) DeleteMegolmSession(ctx context.Context, sessionID string) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM megolm_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete megolm session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("megolm session %s", sessionID)
	}
	return nil
}

func (s *MegolmSessionStore) query(ctx context.Context, q string, args ...any) ([]domain.MegolmSession, error) {
	rows, err := s.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list megolm sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.MegolmSession
	for rows.Next() {
		sess, err := scanMegolmSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func insertMegolm(ctx context.Context, tx *sql.Tx, sess domain.MegolmSession) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO megolm_sessions (`+megolmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.RoomID, sess.SenderKey, sess.Algorithm,
		boolToInt(sess.Outbound), boolToInt(sess.Active), sess.Secret,
		int64(sess.MessageIndex), sess.CreatedAt, sess.LastUsedAt, sess.ExpiresAt)
	if isUniqueViolation(err) {
		return domain.Conflictf("megolm session %s already exists", sess.SessionID)
	}
	if err != nil {
		return fmt.Errorf("insert megolm session: %w", err)
	}
	return nil
}

func scanMegolmSession(r scanner) (domain.MegolmSession, error) {
	var sess domain.MegolmSession
	var outbound, active int
	var idx int64
	err := r.Scan(&sess.SessionID, &sess.RoomID, &sess.SenderKey, &sess.Algorithm, &outbound, &active,
		&sess.Secret, &idx, &sess.CreatedAt, &sess.LastUsedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MegolmSession{}, err
	}
	if err != nil {
		return domain.MegolmSession{}, fmt.Errorf("scan megolm session: %w", err)
	}
	sess.Outbound, sess.Active = outbound == 1, active == 1
	sess.MessageIndex = uint32(idx)
	return sess, nil
}

var _ domain.MegolmSessionStore = (*MegolmSessionStore)(nil)
