package crosssign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
	"e2eed/internal/services/devicekeys"
	"e2eed/internal/util/keylock"
)

const component = "crosssign"

// Devices is the part of the device key registry the trust service writes to.
type Devices interface {
	GetDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error)
	AddDeviceSignature(ctx context.Context, user domain.UserID, device domain.DeviceID, signer domain.UserID, keyID, sig string) error
}

type Service struct {
	store   domain.CrossSigningStore
	devices Devices
	clock   domain.Clock
	log     domain.Logger

	// locks serialises writes to one user's hierarchy.
	locks keylock.Table
}

func New(store domain.CrossSigningStore, devices Devices, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, devices: devices, clock: clock, log: log}
}

// UploadKeys stores a user's cross-signing keys. A new master key must be
// signed by the master key it replaces; replacing it revokes every
// signature the old hierarchy issued and drops subkeys not re-uploaded.
func (s *Service) UploadKeys(ctx context.Context, user domain.UserID, up domain.CrossSigningUpload) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "upload_keys", start, err) }(time.Now())

	unlock := s.locks.Lock(string(user))
	defer unlock()
	return s.uploadKeys(ctx, user, up)
}

func (s *Service) uploadKeys(ctx context.Context, user domain.UserID, up domain.CrossSigningUpload) error {
	existing, err := s.store.CrossSigningKeys(ctx, user)
	if err != nil {
		return fmt.Errorf("load cross-signing keys: %w", err)
	}
	now := s.clock.Now().UnixMilli()

	var (
		keys    []domain.StoredCrossSigningKey
		drop    []string
		revoked []string
		sigs    []domain.CrossSignature
	)

	master, haveMaster := existing[domain.KeyUsageMaster]
	if up.MasterKey != nil {
		next, err := stored(user, domain.KeyUsageMaster, *up.MasterKey, now)
		if err != nil {
			return err
		}
		if haveMaster && next.PublicKey != master.PublicKey {
			if err := verifyKeySignature(*up.MasterKey, user, master); err != nil {
				return domain.Conflictf("new master key is not signed by the current master key: %v", err)
			}
			revoked = append(revoked, master.KeyID)
			for _, usage := range []string{domain.KeyUsageSelfSigning, domain.KeyUsageUserSigning} {
				if old, ok := existing[usage]; ok {
					revoked = append(revoked, old.KeyID)
					drop = append(drop, usage)
				}
			}
			s.log.Warn("master key replaced; downstream signatures revoked", "user_id", user)
		}
		master, haveMaster = next, true
		keys = append(keys, next)
	}
	if !haveMaster {
		return domain.Validationf("a master key is required before subkeys")
	}

	for usage, k := range map[string]*domain.CrossSigningKey{
		domain.KeyUsageSelfSigning: up.SelfSigningKey,
		domain.KeyUsageUserSigning: up.UserSigningKey,
	} {
		if k == nil {
			continue
		}
		next, err := stored(user, usage, *k, now)
		if err != nil {
			return err
		}
		if err := verifyKeySignature(*k, user, master); err != nil {
			return fmt.Errorf("%w: %s key is not signed by the master key: %w", domain.ErrValidation, usage, err)
		}
		if old, ok := existing[usage]; ok && old.PublicKey != next.PublicKey && !slices.Contains(revoked, old.KeyID) {
			revoked = append(revoked, old.KeyID)
		}
		drop = slices.DeleteFunc(drop, func(d string) bool { return d == usage })
		keys = append(keys, next)
		sig, _ := k.Signatures.Get(user, master.KeyID)
		sigs = append(sigs, domain.CrossSignature{
			SignerUserID: user, SignerKeyID: master.KeyID,
			TargetUserID: user, TargetKeyID: next.KeyID,
			Signature: sig, CreatedTS: now,
		})
	}

	if err := s.store.ReplaceKeys(ctx, user, keys, drop, revoked, sigs); err != nil {
		return fmt.Errorf("store cross-signing keys: %w", err)
	}
	s.log.Info("cross-signing keys uploaded", "user_id", user, "keys", len(keys), "revoked", len(revoked))
	return nil
}

// UploadSignatures stores signatures made by signer. Targets are either one
// of the signer's devices, signed with the self-signing key, or another
// user's ID, meaning that user's master key signed with the user-signing key.
// Invalid targets are reported in Failures.
func (s *Service) UploadSignatures(ctx context.Context, signer domain.UserID, up domain.SignatureUpload) (resp domain.SignatureUploadResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "upload_signatures", start, err) }(time.Now())

	unlock := s.locks.Lock(string(signer))
	defer unlock()
	return s.uploadSignatures(ctx, signer, up)
}

func (s *Service) uploadSignatures(ctx context.Context, signer domain.UserID, up domain.SignatureUpload) (resp domain.SignatureUploadResponse, err error) {
	keys, err := s.store.CrossSigningKeys(ctx, signer)
	if err != nil {
		return resp, fmt.Errorf("load cross-signing keys: %w", err)
	}
	resp.Failures = make(map[string]string)
	now := s.clock.Now().UnixMilli()

	for target, bySigner := range up {
		if err := s.uploadSignature(ctx, signer, keys, target, bySigner, now); err != nil {
			if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrNotFound) &&
				!errors.Is(err, crypto.ErrSignatureVerificationFailed) {
				return resp, err
			}
			resp.Failures[target] = err.Error()
		}
	}
	return resp, nil
}

func (s *Service) uploadSignature(ctx context.Context, signer domain.UserID, keys map[string]domain.StoredCrossSigningKey, target string, bySigner map[string]string, now int64) error {
	if len(bySigner) != 1 {
		return domain.Validationf("exactly one signature per target is expected")
	}
	var keyID, sig string
	for k, v := range bySigner {
		keyID, sig = k, v
	}

	if strings.HasPrefix(target, "@") {
		usk, ok := keys[domain.KeyUsageUserSigning]
		if !ok || usk.KeyID != keyID {
			return domain.NotFoundf("user-signing key %s", keyID)
		}
		targetUser := domain.UserID(target)
		theirs, err := s.store.CrossSigningKeys(ctx, targetUser)
		if err != nil {
			return err
		}
		tm, ok := theirs[domain.KeyUsageMaster]
		if !ok {
			return domain.NotFoundf("master key of %s", target)
		}
		if err := verifyObject(tm.Key, usk.PublicKey, sig); err != nil {
			return err
		}
		return s.store.PutSignatures(ctx, []domain.CrossSignature{{
			SignerUserID: signer, SignerKeyID: keyID,
			TargetUserID: targetUser, TargetKeyID: tm.KeyID,
			Signature: sig, CreatedTS: now,
		}})
	}

	ssk, ok := keys[domain.KeyUsageSelfSigning]
	if !ok || ssk.KeyID != keyID {
		return domain.NotFoundf("self-signing key %s", keyID)
	}
	device := domain.DeviceID(target)
	dev, err := s.devices.GetDevice(ctx, signer, device)
	if err != nil {
		return err
	}
	if err := verifyObject(dev.Keys, ssk.PublicKey, sig); err != nil {
		return err
	}
	if err := s.store.PutSignatures(ctx, []domain.CrossSignature{{
		SignerUserID: signer, SignerKeyID: keyID,
		TargetUserID: signer, TargetKeyID: string(device),
		Signature: sig, CreatedTS: now,
	}}); err != nil {
		return err
	}
	return s.devices.AddDeviceSignature(ctx, signer, device, signer, keyID, sig)
}

// Keys returns a user's published cross-signing keys by usage.
func (s *Service) Keys(ctx context.Context, user domain.UserID) (map[string]domain.CrossSigningKey, error) {
	stored, err := s.store.CrossSigningKeys(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.CrossSigningKey, len(stored))
	for usage, k := range stored {
		out[usage] = k.Key
	}
	return out, nil
}

// Delete removes a user's cross-signing keys together with every signature
// they issued or received.
func (s *Service) Delete(ctx context.Context, user domain.UserID) error {
	unlock := s.locks.Lock(string(user))
	defer unlock()
	if err := s.store.DeleteCrossSigningKeys(ctx, user); err != nil {
		return fmt.Errorf("delete cross-signing keys: %w", err)
	}
	s.log.Info("cross-signing keys deleted", "user_id", user)
	return nil
}

func stored(user domain.UserID, usage string, k domain.CrossSigningKey, now int64) (domain.StoredCrossSigningKey, error) {
	if k.UserID != user {
		return domain.StoredCrossSigningKey{}, domain.Validationf("%s key belongs to %s", usage, k.UserID)
	}
	if !k.HasUsage(usage) {
		return domain.StoredCrossSigningKey{}, domain.Validationf("key does not declare usage %s", usage)
	}
	keyID, pub, ok := k.PublicKey()
	if !ok {
		return domain.StoredCrossSigningKey{}, domain.Validationf("%s key must carry exactly one ed25519 key", usage)
	}
	if _, err := crypto.ParseEd25519Public(pub); err != nil {
		return domain.StoredCrossSigningKey{}, fmt.Errorf("%w: %s key: %w", domain.ErrValidation, usage, err)
	}
	if keyID != domain.KeyID(domain.KeyTypeEd25519, pub) {
		return domain.StoredCrossSigningKey{}, domain.Validationf("%s key id must be ed25519:<public key>", usage)
	}
	return domain.StoredCrossSigningKey{
		UserID: user, Usage: usage, KeyID: keyID, PublicKey: pub, Key: k, CreatedTS: now,
	}, nil
}

func verifyKeySignature(k domain.CrossSigningKey, user domain.UserID, signer domain.StoredCrossSigningKey) error {
	return devicekeys.VerifySigned(k, k.Signatures, user, signer.KeyID, signer.PublicKey)
}

func verifyObject(v any, pub, sig string) error {
	canonical, err := domain.CanonicalJSON(v)
	if err != nil {
		return err
	}
	return crypto.VerifyEd25519Base64(pub, canonical, sig)
}
