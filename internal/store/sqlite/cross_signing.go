package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// CrossSigningStore implements domain.CrossSigningStore.
type CrossSigningStore struct{ db *DB }

func NewCrossSigningStore(db *DB) *CrossSigningStore { return &CrossSigningStore{db: db} }

func (s *CrossSigningStore) CrossSigningKeys(ctx context.Context, user domain.UserID) (map[string]domain.StoredCrossSigningKey, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT usage, key_id, public_key, key_json, created_ts
		FROM cross_signing_keys WHERE user_id = ?`, user)
	if err != nil {
		return nil, fmt.Errorf("load cross-signing keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.StoredCrossSigningKey)
	for rows.Next() {
		k := domain.StoredCrossSigningKey{UserID: user}
		var raw string
		if err := rows.Scan(&k.Usage, &k.KeyID, &k.PublicKey, &raw, &k.CreatedTS); err != nil {
			return nil, fmt.Errorf("scan cross-signing key: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &k.Key); err != nil {
			return nil, fmt.Errorf("decode cross-signing key: %w", err)
		}
		out[k.Usage] = k
	}
	return out, rows.Err()
}

func (s *CrossSigningStore) ReplaceKeys(ctx context.Context, user domain.UserID, keys []domain.StoredCrossSigningKey, drop []string, revokedKeyIDs []string, sigs []domain.CrossSignature) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, usage := range drop {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cross_signing_keys WHERE user_id = ? AND usage = ?`, user, usage); err != nil {
				return fmt.Errorf("drop %s key: %w", usage, err)
			}
		}
		for _, keyID := range revokedKeyIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cross_signing_signatures WHERE signer_user_id = ? AND signer_key_id = ?`,
				user, keyID); err != nil {
				return fmt.Errorf("revoke signatures by %s: %w", keyID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cross_signing_signatures WHERE target_user_id = ? AND target_key_id = ?`,
				user, keyID); err != nil {
				return fmt.Errorf("revoke signatures on %s: %w", keyID, err)
			}
		}
		for _, k := range keys {
			if err := putCrossSigningKey(ctx, tx, user, k); err != nil {
				return err
			}
		}
		return putSignatures(ctx, tx, sigs)
	})
}

func putCrossSigningKey(ctx context.Context, tx *sql.Tx, user domain.UserID, k domain.StoredCrossSigningKey) error {
	raw, err := json.Marshal(k.Key)
	if err != nil {
		return fmt.Errorf("encode cross-signing key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cross_signing_keys (user_id, usage, key_id, public_key, key_json, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, usage) DO UPDATE SET
			key_id = excluded.key_id,
			public_key = excluded.public_key,
			key_json = excluded.key_json,
			created_ts = excluded.created_ts`,
		user, k.Usage, k.KeyID, k.PublicKey, string(raw), k.CreatedTS); err != nil {
		return fmt.Errorf("store %s key: %w", k.Usage, err)
	}
	return nil
}

func (s *CrossSigningStore) Snapshot(ctx context.Context, user domain.UserID) (domain.CrossSigningSnapshot, error) {
	var snap domain.CrossSigningSnapshot
	keys, err := s.CrossSigningKeys(ctx, user)
	if err != nil {
		return snap, err
	}
	for _, k := range keys {
		snap.Keys = append(snap.Keys, k)
	}

	rows, err := s.db.db.QueryContext(ctx, `
		SELECT signer_user_id, signer_key_id, target_user_id, target_key_id, signature, created_ts
		FROM cross_signing_signatures
		WHERE signer_user_id = ? OR target_user_id = ?`, user, user)
	if err != nil {
		return snap, fmt.Errorf("snapshot signatures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		sig, err := scanCrossSignature(rows)
		if err != nil {
			return snap, err
		}
		snap.Signatures = append(snap.Signatures, sig)
	}
	return snap, rows.Err()
}

func (s *CrossSigningStore) Restore(ctx context.Context, user domain.UserID, snap domain.CrossSigningSnapshot) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cross_signing_keys WHERE user_id = ?`, user); err != nil {
			return fmt.Errorf("clear cross-signing keys: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cross_signing_signatures
			WHERE signer_user_id = ? OR target_user_id = ?`, user, user); err != nil {
			return fmt.Errorf("clear cross-signing signatures: %w", err)
		}
		for _, k := range snap.Keys {
			if err := putCrossSigningKey(ctx, tx, user, k); err != nil {
				return err
			}
		}
		return putSignatures(ctx, tx, snap.Signatures)
	})
}

func (s *CrossSigningStore) DeleteCrossSigningKeys(ctx context.Context, user domain.UserID) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cross_signing_keys WHERE user_id = ?`, user)
		if err != nil {
			return fmt.Errorf("delete cross-signing keys: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.NotFoundf("no cross-signing keys for %s", user)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cross_signing_signatures
			WHERE signer_user_id = ? OR target_user_id = ?`, user, user); err != nil {
			return fmt.Errorf("delete cross-signing signatures: %w", err)
		}
		return nil
	})
}

func (s *CrossSigningStore) PutSignatures(ctx context.Context, sigs []domain.CrossSignature) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return putSignatures(ctx, tx, sigs)
	})
}

func (s *CrossSigningStore) Signature(ctx context.Context, signer, targetUser domain.UserID, targetKeyID string) (domain.CrossSignature, error) {
	row := s.db.db.QueryRowContext(ctx, `
		SELECT signer_user_id, signer_key_id, target_user_id, target_key_id, signature, created_ts
		FROM cross_signing_signatures
		WHERE signer_user_id = ? AND target_user_id = ? AND target_key_id = ?`,
		signer, targetUser, targetKeyID)
	sig, err := scanCrossSignature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CrossSignature{}, domain.NotFoundf("no signature by %s on %s/%s", signer, targetUser, targetKeyID)
	}
	return sig, err
}

func (s *CrossSigningStore) SignaturesFor(ctx context.Context, targetUser domain.UserID) ([]domain.CrossSignature, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT signer_user_id, signer_key_id, target_user_id, target_key_id, signature, created_ts
		FROM cross_signing_signatures
		WHERE target_user_id = ? ORDER BY target_key_id, signer_user_id`, targetUser)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	var out []domain.CrossSignature
	for rows.Next() {
		sig, err := scanCrossSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func putSignatures(ctx context.Context, tx *sql.Tx, sigs []domain.CrossSignature) error {
	for _, sig := range sigs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cross_signing_signatures
				(signer_user_id, signer_key_id, target_user_id, target_key_id, signature, created_ts)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (signer_user_id, target_user_id, target_key_id) DO UPDATE SET
				signer_key_id = excluded.signer_key_id,
				signature = excluded.signature,
				created_ts = excluded.created_ts`,
			sig.SignerUserID, sig.SignerKeyID, sig.TargetUserID, sig.TargetKeyID, sig.Signature, sig.CreatedTS); err != nil {
			return fmt.Errorf("store signature: %w", err)
		}
	}
	return nil
}

func scanCrossSignature(r scanner) (domain.CrossSignature, error) {
	var sig domain.CrossSignature
	err := r.Scan(&sig.SignerUserID, &sig.SignerKeyID, &sig.TargetUserID, &sig.TargetKeyID, &sig.Signature, &sig.CreatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CrossSignature{}, err
	}
	if err != nil {
		return domain.CrossSignature{}, fmt.Errorf("scan signature: %w", err)
	}
	return sig, nil
}

var _ domain.CrossSigningStore = (*CrossSigningStore)(nil)
