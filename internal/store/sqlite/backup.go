package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"e2eed/internal/domain"
)

// BackupStore implements domain.BackupStore. Versions are an integer
// sequence per user; deleted versions keep their row so numbers are never
// reused.
type BackupStore struct{ db *DB }

func NewBackupStore(db *DB) *BackupStore { return &BackupStore{db: db} }

func (s *BackupStore) CreateBackupVersion(ctx context.Context, v domain.BackupVersion) (string, error) {
	var next int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM backup_versions WHERE user_id = ?`,
			v.UserID).Scan(&next); err != nil {
			return fmt.Errorf("next backup version: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backup_versions (user_id, version, algorithm, auth_data, etag, deleted, created_ts)
			VALUES (?, ?, ?, ?, 0, 0, ?)`,
			v.UserID, next, v.Algorithm, string(v.AuthData), v.CreatedTS)
		if isUniqueViolation(err) {
			return domain.Conflictf("backup version %d already exists", next)
		}
		if err != nil {
			return fmt.Errorf("create backup version: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(next, 10), nil
}

func (s *BackupStore) CurrentBackupVersion(ctx context.Context, user domain.UserID) (domain.BackupVersion, error) {
	v, err := s.loadVersion(ctx, `
		SELECT version, algorithm, auth_data, etag, created_ts FROM backup_versions
		WHERE user_id = ? AND deleted = 0 ORDER BY version DESC LIMIT 1`, user, user)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackupVersion{}, domain.NotFoundf("no backup for %s", user)
	}
	return v, err
}

func (s *BackupStore) BackupVersion(ctx context.Context, user domain.UserID, version string) (domain.BackupVersion, error) {
	n, ok := parseVersion(version)
	if !ok {
		return domain.BackupVersion{}, domain.NotFoundf("backup version %q", version)
	}
	v, err := s.loadVersion(ctx, `
		SELECT version, algorithm, auth_data, etag, created_ts FROM backup_versions
		WHERE user_id = ? AND version = ? AND deleted = 0`, user, user, n)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackupVersion{}, domain.NotFoundf("backup version %s", version)
	}
	return v, err
}

func (s *BackupStore) UpdateBackupVersion(ctx context.Context, v domain.BackupVersion) error {
	n, ok := parseVersion(v.Version)
	if !ok {
		return domain.NotFoundf("backup version %q", v.Version)
	}
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE backup_versions SET auth_data = ?
		WHERE user_id = ? AND version = ? AND deleted = 0`,
		string(v.AuthData), v.UserID, n)
	if err != nil {
		return fmt.Errorf("update backup version: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.NotFoundf("backup version %s", v.Version)
	}
	return nil
}

func (s *BackupStore) DeleteBackupVersion(ctx context.Context, user domain.UserID, version string) error {
	n, ok := parseVersion(version)
	if !ok {
		return domain.NotFoundf("backup version %q", version)
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE backup_versions SET deleted = 1
			WHERE user_id = ? AND version = ? AND deleted = 0`, user, n)
		if err != nil {
			return fmt.Errorf("delete backup version: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return domain.NotFoundf("backup version %s", version)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM backup_keys WHERE user_id = ? AND version = ?`, user, n); err != nil {
			return fmt.Errorf("delete backup keys: %w", err)
		}
		return nil
	})
}

func (s *BackupStore) UpsertBackupKey(ctx context.Context, e domain.BackupKeyEntry, keep func(existing, incoming domain.BackupKeyEntry) bool) (bool, error) {
	n, ok := parseVersion(e.Version)
	if !ok {
		return false, domain.NotFoundf("backup version %q", e.Version)
	}
	var stored bool
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanBackupKey(tx.QueryRowContext(ctx, `
			SELECT user_id, version, room_id, session_id, first_message_index,
				forwarded_count, is_verified, session_data
			FROM backup_keys
			WHERE user_id = ? AND version = ? AND room_id = ? AND session_id = ?`,
			e.UserID, n, e.RoomID, e.SessionID))
		switch {
		case err == nil:
			if keep != nil && keep(existing, e) {
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_keys (user_id, version, room_id, session_id, first_message_index,
				forwarded_count, is_verified, session_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, version, room_id, session_id) DO UPDATE SET
				first_message_index = excluded.first_message_index,
				forwarded_count = excluded.forwarded_count,
				is_verified = excluded.is_verified,
				session_data = excluded.session_data`,
			e.UserID, n, e.RoomID, e.SessionID, e.FirstMessageIndex, e.ForwardedCount,
			boolToInt(e.IsVerified), string(e.SessionData)); err != nil {
			return fmt.Errorf("store backup key: %w", err)
		}
		stored = true
		return bumpETag(ctx, tx, e.UserID, n)
	})
	return stored, err
}

// BackupKeys lists entries of a version. An empty room or session widens the
// selection.
func (s *BackupStore) BackupKeys(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string) ([]domain.BackupKeyEntry, error) {
	n, ok := parseVersion(version)
	if !ok {
		return nil, domain.NotFoundf("backup version %q", version)
	}
	where, args := backupKeyFilter(user, n, room, sessionID)
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT user_id, version, room_id, session_id, first_message_index,
			forwarded_count, is_verified, session_data
		FROM backup_keys WHERE `+where+` ORDER BY room_id, session_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup keys: %w", err)
	}
	defer rows.Close()

	var out []domain.BackupKeyEntry
	for rows.Next() {
		e, err := scanBackupKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *BackupStore) DeleteBackupKeys(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string) (int64, error) {
	n, ok := parseVersion(version)
	if !ok {
		return 0, domain.NotFoundf("backup version %q", version)
	}
	var deleted int64
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		where, args := backupKeyFilter(user, n, room, sessionID)
		res, err := tx.ExecContext(ctx, `DELETE FROM backup_keys WHERE `+where, args...)
		if err != nil {
			return fmt.Errorf("delete backup keys: %w", err)
		}
		deleted, _ = res.RowsAffected()
		if deleted == 0 {
			return nil
		}
		return bumpETag(ctx, tx, user, n)
	})
	return deleted, err
}

func (s *BackupStore) loadVersion(ctx context.Context, q string, user domain.UserID, args ...any) (domain.BackupVersion, error) {
	v := domain.BackupVersion{UserID: user}
	var n, etag int64
	var authData string
	if err := s.db.db.QueryRowContext(ctx, q, args...).Scan(&n, &v.Algorithm, &authData, &etag, &v.CreatedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, err
		}
		return v, fmt.Errorf("load backup version: %w", err)
	}
	v.Version = strconv.FormatInt(n, 10)
	v.ETag = strconv.FormatInt(etag, 10)
	v.AuthData = json.RawMessage(authData)
	if err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_keys WHERE user_id = ? AND version = ?`, user, n).Scan(&v.Count); err != nil {
		return v, fmt.Errorf("count backup keys: %w", err)
	}
	return v, nil
}

func bumpETag(ctx context.Context, tx *sql.Tx, user domain.UserID, version int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE backup_versions SET etag = etag + 1 WHERE user_id = ? AND version = ?`,
		user, version); err != nil {
		return fmt.Errorf("bump backup etag: %w", err)
	}
	return nil
}

func backupKeyFilter(user domain.UserID, version int64, room domain.RoomID, sessionID string) (string, []any) {
	where := `user_id = ? AND version = ?`
	args := []any{user, version}
	if room != "" {
		where += ` AND room_id = ?`
		args = append(args, room)
		if sessionID != "" {
			where += ` AND session_id = ?`
			args = append(args, sessionID)
		}
	}
	return where, args
}

func scanBackupKey(r scanner) (domain.BackupKeyEntry, error) {
	var e domain.BackupKeyEntry
	var version int64
	var verified int
	var data string
	err := r.Scan(&e.UserID, &version, &e.RoomID, &e.SessionID, &e.FirstMessageIndex,
		&e.ForwardedCount, &verified, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scan backup key: %w", err)
	}
	e.Version = strconv.FormatInt(version, 10)
	e.IsVerified = verified == 1
	e.SessionData = json.RawMessage(data)
	return e, nil
}

func parseVersion(v string) (int64, bool) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

var _ domain.BackupStore = (*BackupStore)(nil)
