package devicekeys

import (
	"errors"
	"fmt"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

func validateDeviceKeys(user domain.UserID, device domain.DeviceID, k domain.DeviceKeys) ([]domain.DeviceKey, error) {
	if k.UserID != user || k.DeviceID != device {
		return nil, domain.Validationf("device_keys is for %s/%s, not %s/%s", k.UserID, k.DeviceID, user, device)
	}
	curve, ed := k.IdentityKey(), k.SigningKey()
	if curve == "" || ed == "" {
		return nil, domain.Validationf("device_keys must carry curve25519 and ed25519 keys for %s", device)
	}

	rows := make([]domain.DeviceKey, 0, len(k.Keys))
	for keyID, pub := range k.Keys {
		alg, _, ok := domain.SplitKeyID(keyID)
		if !ok {
			return nil, domain.Validationf("malformed key id %q", keyID)
		}
		if _, err := crypto.DecodeKey(pub); err != nil {
			return nil, validation(keyID, err)
		}
		rows = append(rows, domain.DeviceKey{
			UserID: user, DeviceID: device, Algorithm: alg, KeyID: keyID, PublicKey: pub,
		})
	}

	if err := VerifySigned(k, k.Signatures, user, domain.KeyID(domain.KeyTypeEd25519, string(device)), ed); err != nil {
		return nil, validation("device_keys self-signature", err)
	}
	return rows, nil
}

func validatePrekeys(user domain.UserID, device domain.DeviceID, signingKey string, keys map[string]domain.OneTimeKey, fallback bool, now int64) ([]domain.StoredOneTimeKey, error) {
	out := make([]domain.StoredOneTimeKey, 0, len(keys))
	signer := domain.KeyID(domain.KeyTypeEd25519, string(device))
	for fullID, k := range keys {
		alg, id, ok := domain.SplitKeyID(fullID)
		if !ok {
			return nil, domain.Validationf("malformed key id %q", fullID)
		}
		if _, err := crypto.DecodeKey(k.Key); err != nil {
			return nil, validation(fullID, err)
		}
		k.Fallback = fallback
		if alg == domain.KeyTypeSignedCurve25519 {
			if err := VerifySigned(k, k.Signatures, user, signer, signingKey); err != nil {
				return nil, validation(fullID, err)
			}
		}
		out = append(out, domain.StoredOneTimeKey{
			UserID: user, DeviceID: device, Algorithm: alg, KeyID: id,
			Key: k, Fallback: fallback, CreatedTS: now,
		})
	}
	return out, nil
}

// validation tags primitive failures as request validation errors while
// keeping the original sentinel reachable through errors.Is.
func validation(what string, err error) error {
	if errors.Is(err, domain.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrValidation, what, err)
}
