package crosssign

import (
	"context"
	"errors"
	"fmt"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

// VerifyRequest names one signature to check. Target is a device ID of
// TargetUserID, a subkey usage of the signer ("self_signing" or
// "user_signing"), or empty for TargetUserID's master key. When Signature
// is empty the stored signature is checked.
type VerifyRequest struct {
	SignerUserID domain.UserID `json:"user_id"`
	TargetUserID domain.UserID `json:"target_user_id"`
	Target       string        `json:"target,omitempty"`
	Signature    string        `json:"signature,omitempty"`
}

type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(reason string) VerifyResult { return VerifyResult{Reason: reason} }

// Verify checks a signature against the signer's current key. A signature
// made by a key that has since been replaced or deleted is invalid even if
// the bytes would still verify.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if req.SignerUserID == "" || req.TargetUserID == "" {
		return VerifyResult{}, domain.Validationf("user_id and target_user_id are required")
	}
	signerKeys, err := s.store.CrossSigningKeys(ctx, req.SignerUserID)
	if err != nil {
		return VerifyResult{}, err
	}

	var (
		usage       string
		targetKeyID string
		object      any
	)
	switch {
	case req.Target == domain.KeyUsageSelfSigning || req.Target == domain.KeyUsageUserSigning:
		if req.TargetUserID != req.SignerUserID {
			return VerifyResult{}, domain.Validationf("subkeys are only signed by their owner")
		}
		sub, ok := signerKeys[req.Target]
		if !ok {
			return invalid(req.Target + " key not found"), nil
		}
		usage, targetKeyID, object = domain.KeyUsageMaster, sub.KeyID, sub.Key
	case req.Target == "":
		if req.TargetUserID == req.SignerUserID {
			return VerifyResult{}, domain.Validationf("a master key is not signed by its own user-signing key")
		}
		theirs, err := s.store.CrossSigningKeys(ctx, req.TargetUserID)
		if err != nil {
			return VerifyResult{}, err
		}
		tm, ok := theirs[domain.KeyUsageMaster]
		if !ok {
			return invalid("target master key not found"), nil
		}
		usage, targetKeyID, object = domain.KeyUsageUserSigning, tm.KeyID, tm.Key
	default:
		if req.TargetUserID != req.SignerUserID {
			return VerifyResult{}, domain.Validationf("devices are only signed by their owner")
		}
		dev, err := s.devices.GetDevice(ctx, req.TargetUserID, domain.DeviceID(req.Target))
		if errors.Is(err, domain.ErrNotFound) {
			return invalid("device not found"), nil
		}
		if err != nil {
			return VerifyResult{}, err
		}
		usage, targetKeyID, object = domain.KeyUsageSelfSigning, req.Target, dev.Keys
	}

	key, ok := signerKeys[usage]
	if !ok {
		return invalid(usage + " key of signer not found"), nil
	}
	sig := req.Signature
	if sig == "" {
		stored, err := s.store.Signature(ctx, req.SignerUserID, req.TargetUserID, targetKeyID)
		if errors.Is(err, domain.ErrNotFound) {
			return invalid("no signature stored"), nil
		}
		if err != nil {
			return VerifyResult{}, err
		}
		if stored.SignerKeyID != key.KeyID {
			return invalid("signature was made by a replaced key"), nil
		}
		sig = stored.Signature
	}

	err = verifyObject(object, key.PublicKey, sig)
	switch {
	case err == nil:
		return VerifyResult{Valid: true}, nil
	case errors.Is(err, crypto.ErrSignatureVerificationFailed), errors.Is(err, crypto.ErrInvalidBase64):
		return invalid("signature does not verify"), nil
	default:
		return VerifyResult{}, err
	}
}

// DeviceTrusted reports whether user's self-signing key vouches for device.
func (s *Service) DeviceTrusted(ctx context.Context, user domain.UserID, device domain.DeviceID) (bool, error) {
	res, err := s.Verify(ctx, VerifyRequest{SignerUserID: user, TargetUserID: user, Target: string(device)})
	return res.Valid, err
}

// UserTrusted reports whether truster's user-signing key vouches for
// target's master key.
func (s *Service) UserTrusted(ctx context.Context, truster, target domain.UserID) (bool, error) {
	res, err := s.Verify(ctx, VerifyRequest{SignerUserID: truster, TargetUserID: target})
	return res.Valid, err
}

// UserDeviceTrusted walks the chain from truster to one of target's
// devices: truster's user-signing key over target's master key, that master
// key over target's self-signing key, and the self-signing key over the
// device. Every link is checked against the keys current at call time, so
// replacing any key in the chain breaks it. When truster is target the
// first link is skipped.
func (s *Service) UserDeviceTrusted(ctx context.Context, truster, target domain.UserID, device domain.DeviceID) (VerifyResult, error) {
	if truster == "" || target == "" || device == "" {
		return VerifyResult{}, domain.Validationf("truster, target and device are required")
	}
	type link struct {
		name string
		req  VerifyRequest
	}
	var chain []link
	if truster != target {
		chain = append(chain, link{"user", VerifyRequest{SignerUserID: truster, TargetUserID: target}})
	}
	chain = append(chain,
		link{"self_signing", VerifyRequest{SignerUserID: target, TargetUserID: target, Target: domain.KeyUsageSelfSigning}},
		link{"device", VerifyRequest{SignerUserID: target, TargetUserID: target, Target: string(device)}},
	)
	for _, l := range chain {
		res, err := s.Verify(ctx, l.req)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("%s link: %w", l.name, err)
		}
		if !res.Valid {
			return invalid(l.name + " link: " + res.Reason), nil
		}
	}
	return VerifyResult{Valid: true}, nil
}

// Secrets holds the private halves produced by Setup. The caller is
// expected to put them in secret storage and then Zero them.
type Secrets struct {
	Master      domain.Ed25519Private
	SelfSigning domain.Ed25519Private
	UserSigning domain.Ed25519Private
}

func (s *Secrets) Zero() {
	s.Master.Zero()
	s.SelfSigning.Zero()
	s.UserSigning.Zero()
}

// Setup generates a fresh key hierarchy for user, uploads it and signs the
// given device with the new self-signing key. prior must hold the current
// master key when one exists. If the device signature cannot be stored the
// user's previous keys and signatures are put back.
func (s *Service) Setup(ctx context.Context, user domain.UserID, device domain.DeviceID, prior *domain.Ed25519Private) (*Secrets, error) {
	unlock := s.locks.Lock(string(user))
	defer unlock()

	dev, err := s.devices.GetDevice(ctx, user, device)
	if err != nil {
		return nil, fmt.Errorf("setup cross-signing: %w", err)
	}

	sec := &Secrets{}
	var pubs [3]domain.Ed25519Public
	for i, priv := range []*domain.Ed25519Private{&sec.Master, &sec.SelfSigning, &sec.UserSigning} {
		if *priv, pubs[i], err = crypto.GenerateEd25519(); err != nil {
			sec.Zero()
			return nil, err
		}
	}

	master := newKey(user, domain.KeyUsageMaster, pubs[0])
	if prior != nil {
		if err := SignKey(&master, user, *prior); err != nil {
			sec.Zero()
			return nil, err
		}
	}
	ssk := newKey(user, domain.KeyUsageSelfSigning, pubs[1])
	usk := newKey(user, domain.KeyUsageUserSigning, pubs[2])
	for _, k := range []*domain.CrossSigningKey{&ssk, &usk} {
		if err := SignKey(k, user, sec.Master); err != nil {
			sec.Zero()
			return nil, err
		}
	}

	snap, err := s.store.Snapshot(ctx, user)
	if err != nil {
		sec.Zero()
		return nil, fmt.Errorf("snapshot cross-signing state: %w", err)
	}
	if err := s.uploadKeys(ctx, user, domain.CrossSigningUpload{MasterKey: &master, SelfSigningKey: &ssk, UserSigningKey: &usk}); err != nil {
		sec.Zero()
		return nil, err
	}

	canonical, err := domain.CanonicalJSON(dev.Keys)
	if err == nil {
		sskID, _, _ := ssk.PublicKey()
		var resp domain.SignatureUploadResponse
		resp, err = s.uploadSignatures(ctx, user, domain.SignatureUpload{
			string(device): {sskID: crypto.B64(crypto.SignEd25519(sec.SelfSigning, canonical))},
		})
		if err == nil && len(resp.Failures) > 0 {
			err = fmt.Errorf("%w: %s", domain.ErrInternal, resp.Failures[string(device)])
		}
	}
	if err != nil {
		if rerr := s.store.Restore(context.WithoutCancel(ctx), user, snap); rerr != nil {
			s.log.Error("roll back cross-signing setup", "user_id", user, "error", rerr)
		}
		sec.Zero()
		return nil, fmt.Errorf("sign device %s: %w", device, err)
	}
	s.log.Info("cross-signing set up", "user_id", user, "device_id", device,
		"master", crypto.Fingerprint(pubs[0].Slice()))
	return sec, nil
}

func newKey(user domain.UserID, usage string, pub domain.Ed25519Public) domain.CrossSigningKey {
	return domain.CrossSigningKey{
		UserID: user,
		Usage:  []string{usage},
		Keys:   map[string]string{domain.KeyID(domain.KeyTypeEd25519, pub.String()): pub.String()},
	}
}

// SignKey adds a signature by priv under the key ID of its public half.
// Clients use it to sign another user's master key with their user-signing
// key.
func SignKey(k *domain.CrossSigningKey, user domain.UserID, priv domain.Ed25519Private) error {
	canonical, err := domain.CanonicalJSON(*k)
	if err != nil {
		return err
	}
	pub := priv.Public()
	k.Signatures.Add(user, domain.KeyID(domain.KeyTypeEd25519, pub.String()), crypto.B64(crypto.SignEd25519(priv, canonical)))
	return nil
}
