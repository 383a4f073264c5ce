package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// SecretStorageStore implements domain.SecretStorageStore.
type SecretStorageStore struct{ db *DB }

func NewSecretStorageStore(db *DB) *SecretStorageStore { return &SecretStorageStore{db: db} }

func (s *SecretStorageStore) PutStorageKey(ctx context.Context, k domain.SecretStorageKey) error {
	raw, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode storage key: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO secret_storage_keys (user_id, key_id, key_json, created_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key_id) DO UPDATE SET key_json = excluded.key_json`,
		k.UserID, k.KeyID, string(raw), k.CreatedTS)
	if err != nil {
		return fmt.Errorf("store storage key: %w", err)
	}
	return nil
}

func (s *SecretStorageStore) StorageKey(ctx context.Context, user domain.UserID, keyID string) (domain.SecretStorageKey, error) {
	var raw string
	var created int64
	err := s.db.db.QueryRowContext(ctx, `
		SELECT key_json, created_ts FROM secret_storage_keys
		WHERE user_id = ? AND key_id = ?`, user, keyID).Scan(&raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SecretStorageKey{}, domain.NotFoundf("storage key %s", keyID)
	}
	if err != nil {
		return domain.SecretStorageKey{}, fmt.Errorf("load storage key: %w", err)
	}
	return decodeStorageKey(user, raw, created)
}

func (s *SecretStorageStore) StorageKeys(ctx context.Context, user domain.UserID) ([]domain.SecretStorageKey, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT key_json, created_ts FROM secret_storage_keys
		WHERE user_id = ? ORDER BY created_ts, key_id`, user)
	if err != nil {
		return nil, fmt.Errorf("list storage keys: %w", err)
	}
	defer rows.Close()

	var out []domain.SecretStorageKey
	for rows.Next() {
		var raw string
		var created int64
		if err := rows.Scan(&raw, &created); err != nil {
			return nil, fmt.Errorf("scan storage key: %w", err)
		}
		k, err := decodeStorageKey(user, raw, created)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteStorageKey removes the descriptor. Secrets wrapped by it stay but
// drop out of SecretsWithKeys.
func (s *SecretStorageStore) DeleteStorageKey(ctx context.Context, user domain.UserID, keyID string) error {
	res, err := s.db.db.ExecContext(ctx,
		`DELETE FROM secret_storage_keys WHERE user_id = ? AND key_id = ?`, user, keyID)
	if err != nil {
		return fmt.Errorf("delete storage key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("storage key %s", keyID)
	}
	return nil
}

func (s *SecretStorageStore) PutSecret(ctx context.Context, sec domain.StoredSecret) error {
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO secret_storage_secrets (user_id, secret_name, encrypted_secret, key_id, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, secret_name) DO UPDATE SET
			encrypted_secret = excluded.encrypted_secret,
			key_id = excluded.key_id,
			updated_ts = excluded.updated_ts`,
		sec.UserID, sec.Name, sec.EncryptedSecret, sec.KeyID, sec.CreatedTS, sec.UpdatedTS)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (s *SecretStorageStore) Secret(ctx context.Context, user domain.UserID, name string) (domain.StoredSecret, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT user_id, secret_name, encrypted_secret, key_id, created_ts, updated_ts
		FROM secret_storage_secrets WHERE user_id = ? AND secret_name = ?`, user, name)
	sec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredSecret{}, domain.NotFoundf("secret %s", name)
	}
	return sec, err
}

func (s *SecretStorageStore) Secrets(ctx context.Context, user domain.UserID, names []string) ([]domain.StoredSecret, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := append([]any{user}, stringArgs(names)...)
	return s.querySecrets(ctx, `
		SELECT user_id, secret_name, encrypted_secret, key_id, created_ts, updated_ts
		FROM secret_storage_secrets
		WHERE user_id = ? AND secret_name IN (`+placeholders(len(names))+`)
		ORDER BY secret_name`, args...)
}

func (s *SecretStorageStore) DeleteSecrets(ctx context.Context, user domain.UserID, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	args := append([]any{user}, stringArgs(names)...)
	res, err := s.db.db.ExecContext(ctx, `
		DELETE FROM secret_storage_secrets
		WHERE user_id = ? AND secret_name IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete secrets: %w", err)
	}
	return res.RowsAffected()
}

func (s *SecretStorageStore) SecretsWithKeys(ctx context.Context, user domain.UserID) ([]domain.StoredSecret, error) {
	return s.querySecrets(ctx, `
		SELECT s.user_id, s.secret_name, s.encrypted_secret, s.key_id, s.created_ts, s.updated_ts
		FROM secret_storage_secrets s
		JOIN secret_storage_keys k ON k.user_id = s.user_id AND k.key_id = s.key_id
		WHERE s.user_id = ? ORDER BY s.secret_name`, user)
}

func (s *SecretStorageStore) querySecrets(ctx context.Context, q string, args ...any) ([]domain.StoredSecret, error) {
	rows, err := s.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredSecret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func decodeStorageKey(user domain.UserID, raw string, created int64) (domain.SecretStorageKey, error) {
	var k domain.SecretStorageKey
	if err := json.Unmarshal([]byte(raw), &k); err != nil {
		return domain.SecretStorageKey{}, fmt.Errorf("decode storage key: %w", err)
	}
	k.UserID, k.CreatedTS = user, created
	return k, nil
}

func scanSecret(r scanner) (domain.StoredSecret, error) {
	var sec domain.StoredSecret
	err := r.Scan(&sec.UserID, &sec.Name, &sec.EncryptedSecret, &sec.KeyID, &sec.CreatedTS, &sec.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return sec, err
	}
	if err != nil {
		return sec, fmt.Errorf("scan secret: %w", err)
	}
	return sec, nil
}

var _ domain.SecretStorageStore = (*SecretStorageStore)(nil)
