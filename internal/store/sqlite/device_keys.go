package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// DeviceKeyStore implements domain.DeviceKeyStore.
type DeviceKeyStore struct{ db *DB }

func NewDeviceKeyStore(db *DB) *DeviceKeyStore { return &DeviceKeyStore{db: db} }

func (s *DeviceKeyStore) PutDeviceKeys(ctx context.Context, keys domain.DeviceKeys, rows []domain.DeviceKey, nowMS int64) (bool, error) {
	var identityChanged bool
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		old, found, err := loadDevice(ctx, tx, keys.UserID, keys.DeviceID)
		if err != nil {
			return err
		}
		if found {
			identityChanged = old.Keys.IdentityKey() != keys.IdentityKey()
			// Signatures added by other keys only survive a re-upload of
			// byte-identical signed content.
			same, err := sameSignedContent(old.Keys, keys)
			if err != nil {
				return err
			}
			if same {
				for user, sigs := range old.Keys.Signatures {
					for keyID, sig := range sigs {
						if _, ok := keys.Signatures.Get(user, keyID); !ok {
							keys.Signatures.Add(user, keyID, sig)
						}
					}
				}
			}
		}

		raw, err := json.Marshal(keys)
		if err != nil {
			return fmt.Errorf("encode device keys: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (user_id, device_id, key_json, created_ts, updated_ts)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				key_json = excluded.key_json,
				updated_ts = excluded.updated_ts`,
			keys.UserID, keys.DeviceID, string(raw), nowMS, nowMS); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM device_keys WHERE user_id = ? AND device_id = ?`,
			keys.UserID, keys.DeviceID); err != nil {
			return fmt.Errorf("clear device keys: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_keys (user_id, device_id, algorithm, key_id, public_key, created_ts)
				VALUES (?, ?, ?, ?, ?, ?)`,
				r.UserID, r.DeviceID, r.Algorithm, r.KeyID, r.PublicKey, nowMS); err != nil {
				return fmt.Errorf("insert device key %s: %w", r.KeyID, err)
			}
		}

		if identityChanged {
			if err := deletePrekeys(ctx, tx, keys.UserID, keys.DeviceID); err != nil {
				return err
			}
		}
		return recordChange(ctx, tx, keys.UserID, keys.DeviceID, nowMS)
	})
	return identityChanged, err
}

func sameSignedContent(a, b domain.DeviceKeys) (bool, error) {
	ca, err := domain.CanonicalJSON(a)
	if err != nil {
		return false, fmt.Errorf("canonical device keys: %w", err)
	}
	cb, err := domain.CanonicalJSON(b)
	if err != nil {
		return false, fmt.Errorf("canonical device keys: %w", err)
	}
	return bytes.Equal(ca, cb), nil
}

func (s *DeviceKeyStore) GetDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error) {
	d, found, err := loadDevice(ctx, s.db.db, user, device)
	if err != nil {
		return domain.Device{}, err
	}
	if !found {
		return domain.Device{}, domain.NotFoundf("device %s of %s", device, user)
	}
	return d, nil
}

func (s *DeviceKeyStore) ListDevices(ctx context.Context, user domain.UserID) ([]domain.Device, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT device_id, key_json, created_ts, updated_ts
		FROM devices WHERE user_id = ? ORDER BY device_id`, user)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		d := domain.Device{UserID: user}
		var raw string
		if err := rows.Scan(&d.DeviceID, &raw, &d.CreatedTS, &d.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.Keys); err != nil {
			return nil, fmt.Errorf("decode device keys: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceKeyStore) DeviceExists(ctx context.Context, user domain.UserID, device domain.DeviceID) (bool, error) {
	var one int
	err := s.db.db.QueryRowContext(ctx,
		`SELECT 1 FROM devices WHERE user_id = ? AND device_id = ?`, user, device).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("device exists: %w", err)
	}
	return true, nil
}

func (s *DeviceKeyStore) DeleteDevice(ctx context.Context, user domain.UserID, device domain.DeviceID, nowMS int64) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM devices WHERE user_id = ? AND device_id = ?`, user, device)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NotFoundf("device %s of %s", device, user)
		}
		if err := deletePrekeys(ctx, tx, user, device); err != nil {
			return err
		}
		return recordChange(ctx, tx, user, device, nowMS)
	})
}

func (s *DeviceKeyStore) AddDeviceSignature(ctx context.Context, user domain.UserID, device domain.DeviceID, signer domain.UserID, keyID, sig string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		d, found, err := loadDevice(ctx, tx, user, device)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFoundf("device %s of %s", device, user)
		}
		d.Keys.Signatures.Add(signer, keyID, sig)
		raw, err := json.Marshal(d.Keys)
		if err != nil {
			return fmt.Errorf("encode device keys: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET key_json = ? WHERE user_id = ? AND device_id = ?`,
			string(raw), user, device)
		if err != nil {
			return fmt.Errorf("store device signature: %w", err)
		}
		return nil
	})
}

func (s *DeviceKeyStore) AddOneTimeKeys(ctx context.Context, keys []domain.StoredOneTimeKey) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			raw, err := json.Marshal(k.Key)
			if err != nil {
				return fmt.Errorf("encode one-time key: %w", err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO one_time_keys (user_id, device_id, algorithm, key_id, key_json, created_ts)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (user_id, device_id, algorithm, key_id) DO NOTHING`,
				k.UserID, k.DeviceID, k.Algorithm, k.KeyID, string(raw), k.CreatedTS)
			if err != nil {
				return fmt.Errorf("insert one-time key: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				continue
			}
			var existing string
			if err := tx.QueryRowContext(ctx, `
				SELECT key_json FROM one_time_keys
				WHERE user_id = ? AND device_id = ? AND algorithm = ? AND key_id = ?`,
				k.UserID, k.DeviceID, k.Algorithm, k.KeyID).Scan(&existing); err != nil {
				return fmt.Errorf("read one-time key: %w", err)
			}
			var prev domain.OneTimeKey
			if err := json.Unmarshal([]byte(existing), &prev); err != nil {
				return fmt.Errorf("decode one-time key: %w", err)
			}
			if prev.Key != k.Key.Key {
				return domain.Conflictf("one-time key %s already uploaded with different content", k.FullKeyID())
			}
		}
		return nil
	})
}

func (s *DeviceKeyStore) PutFallbackKey(ctx context.Context, k domain.StoredOneTimeKey) error {
	k.Key.Fallback = true
	raw, err := json.Marshal(k.Key)
	if err != nil {
		return fmt.Errorf("encode fallback key: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO fallback_keys (user_id, device_id, algorithm, key_id, key_json, used, created_ts)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (user_id, device_id, algorithm) DO UPDATE SET
			used = CASE WHEN fallback_keys.key_id = excluded.key_id THEN fallback_keys.used ELSE 0 END,
			key_id = excluded.key_id,
			key_json = excluded.key_json,
			created_ts = excluded.created_ts`,
		k.UserID, k.DeviceID, k.Algorithm, k.KeyID, string(raw), k.CreatedTS)
	if err != nil {
		return fmt.Errorf("store fallback key: %w", err)
	}
	return nil
}

func (s *DeviceKeyStore) CountOneTimeKeys(ctx context.Context, user domain.UserID, device domain.DeviceID) (map[string]int, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT algorithm, COUNT(*) FROM one_time_keys
		WHERE user_id = ? AND device_id = ? GROUP BY algorithm`, user, device)
	if err != nil {
		return nil, fmt.Errorf("count one-time keys: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var alg string
		var n int
		if err := rows.Scan(&alg, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[alg] = n
	}
	return counts, rows.Err()
}

func (s *DeviceKeyStore) ClaimOneTimeKey(ctx context.Context, user domain.UserID, device domain.DeviceID, algorithm string) (domain.StoredOneTimeKey, error) {
	out := domain.StoredOneTimeKey{UserID: user, DeviceID: device, Algorithm: algorithm}
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		var raw string
		err := tx.QueryRowContext(ctx, `
			SELECT seq, key_id, key_json, created_ts FROM one_time_keys
			WHERE user_id = ? AND device_id = ? AND algorithm = ?
			ORDER BY seq LIMIT 1`, user, device, algorithm).Scan(&seq, &out.KeyID, &raw, &out.CreatedTS)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `DELETE FROM one_time_keys WHERE seq = ?`, seq); err != nil {
				return fmt.Errorf("consume one-time key: %w", err)
			}
			return json.Unmarshal([]byte(raw), &out.Key)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select one-time key: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			SELECT key_id, key_json, created_ts FROM fallback_keys
			WHERE user_id = ? AND device_id = ? AND algorithm = ?`,
			user, device, algorithm).Scan(&out.KeyID, &raw, &out.CreatedTS)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("no %s keys left for %s/%s", algorithm, user, device)
		}
		if err != nil {
			return fmt.Errorf("select fallback key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE fallback_keys SET used = 1
			WHERE user_id = ? AND device_id = ? AND algorithm = ?`, user, device, algorithm); err != nil {
			return fmt.Errorf("mark fallback key used: %w", err)
		}
		out.Fallback, out.Used = true, true
		if err := json.Unmarshal([]byte(raw), &out.Key); err != nil {
			return fmt.Errorf("decode fallback key: %w", err)
		}
		out.Key.Fallback = true
		return nil
	})
	if err != nil {
		return domain.StoredOneTimeKey{}, err
	}
	return out, nil
}

func (s *DeviceKeyStore) UsersChangedBetween(ctx context.Context, fromMS, toMS int64) ([]domain.UserID, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM device_list_changes
		WHERE changed_ts > ? AND changed_ts <= ? ORDER BY user_id`, fromMS, toMS)
	if err != nil {
		return nil, fmt.Errorf("key changes: %w", err)
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var u domain.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadDevice(ctx context.Context, q queryer, user domain.UserID, device domain.DeviceID) (domain.Device, bool, error) {
	d := domain.Device{UserID: user, DeviceID: device}
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT key_json, created_ts, updated_ts FROM devices
		WHERE user_id = ? AND device_id = ?`, user, device).Scan(&raw, &d.CreatedTS, &d.UpdatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, false, nil
	}
	if err != nil {
		return domain.Device{}, false, fmt.Errorf("load device: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &d.Keys); err != nil {
		return domain.Device{}, false, fmt.Errorf("decode device keys: %w", err)
	}
	return d, true, nil
}

func deletePrekeys(ctx context.Context, tx *sql.Tx, user domain.UserID, device domain.DeviceID) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM one_time_keys WHERE user_id = ? AND device_id = ?`, user, device); err != nil {
		return fmt.Errorf("delete one-time keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fallback_keys WHERE user_id = ? AND device_id = ?`, user, device); err != nil {
		return fmt.Errorf("delete fallback keys: %w", err)
	}
	return nil
}

func recordChange(ctx context.Context, tx *sql.Tx, user domain.UserID, device domain.DeviceID, nowMS int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO device_list_changes (user_id, device_id, changed_ts) VALUES (?, ?, ?)`,
		user, device, nowMS)
	if err != nil {
		return fmt.Errorf("record device change: %w", err)
	}
	return nil
}

var _ domain.DeviceKeyStore = (*DeviceKeyStore)(nil)
