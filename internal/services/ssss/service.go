package ssss

import (
	"context"
	"fmt"
	"slices"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "ssss"

type Service struct {
	store domain.SecretStorageStore
	ids   domain.IDGenerator
	clock domain.Clock
	log   domain.Logger
}

func New(store domain.SecretStorageStore, ids domain.IDGenerator, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, ids: ids, clock: clock, log: log}
}

// CreateKey stores a key descriptor. A missing key ID is assigned.
func (s *Service) CreateKey(ctx context.Context, user domain.UserID, k domain.SecretStorageKey) (_ domain.SecretStorageKey, err error) {
	defer func(start time.Time) { metrics.Observe(component, "create_key", start, err) }(time.Now())

	if err := validateKey(k); err != nil {
		return domain.SecretStorageKey{}, err
	}
	if k.KeyID == "" {
		k.KeyID = s.ids.NewID()
	}
	k.UserID = user
	k.CreatedTS = s.clock.Now().UnixMilli()
	if err := s.store.PutStorageKey(ctx, k); err != nil {
		return domain.SecretStorageKey{}, err
	}
	s.log.Info("secret storage key created", "user_id", user, "key_id", k.KeyID, "algorithm", k.Algorithm)
	return k, nil
}

func (s *Service) Key(ctx context.Context, user domain.UserID, keyID string) (domain.SecretStorageKey, error) {
	return s.store.StorageKey(ctx, user, keyID)
}

func (s *Service) Keys(ctx context.Context, user domain.UserID) ([]domain.SecretStorageKey, error) {
	return s.store.StorageKeys(ctx, user)
}

// DeleteKey removes a descriptor. Secrets wrapped by it are kept but no
// longer listed.
func (s *Service) DeleteKey(ctx context.Context, user domain.UserID, keyID string) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "delete_key", start, err) }(time.Now())

	if err := s.store.DeleteStorageKey(ctx, user, keyID); err != nil {
		return err
	}
	s.log.Info("secret storage key deleted", "user_id", user, "key_id", keyID)
	return nil
}

// StoreSecret stores an encrypted secret under name. keyID is not checked
// against the stored descriptors.
func (s *Service) StoreSecret(ctx context.Context, user domain.UserID, name, encrypted, keyID string) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "store_secret", start, err) }(time.Now())

	switch {
	case name == "":
		return domain.Validationf("secret name is required")
	case encrypted == "":
		return domain.Validationf("encrypted_secret is required")
	case keyID == "":
		return domain.Validationf("key is required")
	}
	now := s.clock.Now().UnixMilli()
	return s.store.PutSecret(ctx, domain.StoredSecret{
		UserID: user, Name: name, EncryptedSecret: encrypted, KeyID: keyID,
		CreatedTS: now, UpdatedTS: now,
	})
}

func (s *Service) Secret(ctx context.Context, user domain.UserID, name string) (domain.StoredSecret, error) {
	return s.store.Secret(ctx, user, name)
}

// Secrets returns the named secrets that exist, restricted to req.Keys when
// that is set.
func (s *Service) Secrets(ctx context.Context, user domain.UserID, req domain.SecretsRequest) (domain.SecretsResponse, error) {
	resp := domain.SecretsResponse{Secrets: make(map[string]domain.StoredSecret)}
	found, err := s.store.Secrets(ctx, user, req.Secrets)
	if err != nil {
		return resp, err
	}
	for _, sec := range found {
		if len(req.Keys) > 0 && !slices.Contains(req.Keys, sec.KeyID) {
			continue
		}
		resp.Secrets[sec.Name] = sec
	}
	return resp, nil
}

// DeleteSecrets removes the named secrets. An empty list does nothing.
func (s *Service) DeleteSecrets(ctx context.Context, user domain.UserID, names []string) (n int64, err error) {
	defer func(start time.Time) { metrics.Observe(component, "delete_secrets", start, err) }(time.Now())

	if n, err = s.store.DeleteSecrets(ctx, user, names); err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("secrets deleted", "user_id", user, "count", n)
	}
	return n, nil
}

// List returns the secrets whose key descriptor still exists.
func (s *Service) List(ctx context.Context, user domain.UserID) ([]domain.StoredSecret, error) {
	return s.store.SecretsWithKeys(ctx, user)
}

// HasSecrets reports whether List would return anything.
func (s *Service) HasSecrets(ctx context.Context, user domain.UserID) (bool, error) {
	secs, err := s.List(ctx, user)
	return len(secs) > 0, err
}

func validateKey(k domain.SecretStorageKey) error {
	switch k.Algorithm {
	case domain.SecretStorageAESHMACSHA2:
		if (k.IV == "") != (k.MAC == "") {
			return domain.Validationf("iv and mac must be given together")
		}
		if k.IV != "" {
			if _, err := crypto.DecodeB64(k.IV); err != nil {
				return fmt.Errorf("%w: iv: %w", domain.ErrValidation, err)
			}
		}
	case domain.SecretStorageCurve25519AESSHA2:
		if _, err := crypto.ParseX25519Public(k.PublicKey); err != nil {
			return fmt.Errorf("%w: public_key: %w", domain.ErrValidation, err)
		}
	default:
		return domain.Validationf("unsupported secret storage algorithm %q", k.Algorithm)
	}
	if p := k.Passphrase; p != nil && (p.Algorithm == "" || p.Salt == "") {
		return domain.Validationf("passphrase needs an algorithm and a salt")
	}
	return nil
}
