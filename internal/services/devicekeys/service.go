package devicekeys

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "devicekeys"

// Failure reasons reported in claim and query responses.
const (
	ReasonNoKeys      = "no one-time keys available"
	ReasonUnavailable = "temporarily unavailable"
	ReasonTimeout     = "timed out"
)

// Service implements the device key registry.
type Service struct {
	store domain.DeviceKeyStore
	clock domain.Clock
	log   domain.Logger
}

// New returns a registry backed by store.
func New(store domain.DeviceKeyStore, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, clock: clock, log: log}
}

// Upload stores device keys, one-time keys and fallback keys for the
// authenticated device and reports the remaining one-time key counts.
func (s *Service) Upload(ctx context.Context, user domain.UserID, device domain.DeviceID, req domain.KeyUploadRequest) (resp domain.KeyUploadResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "upload", start, err) }(time.Now())

	now := s.clock.Now().UnixMilli()

	var signingKey string
	if req.DeviceKeys != nil {
		rows, err := validateDeviceKeys(user, device, *req.DeviceKeys)
		if err != nil {
			return resp, err
		}
		changed, err := s.store.PutDeviceKeys(ctx, *req.DeviceKeys, rows, now)
		if err != nil {
			return resp, fmt.Errorf("store device keys: %w", err)
		}
		if changed {
			s.log.Warn("device identity key changed; unclaimed prekeys discarded",
				"user_id", user, "device_id", device)
		}
		signingKey = req.DeviceKeys.SigningKey()
	}

	if len(req.OneTimeKeys) > 0 || len(req.FallbackKeys) > 0 {
		if signingKey == "" {
			existing, err := s.store.GetDevice(ctx, user, device)
			if err != nil {
				return resp, fmt.Errorf("upload prekeys: %w", err)
			}
			signingKey = existing.Keys.SigningKey()
		}
		otks, err := validatePrekeys(user, device, signingKey, req.OneTimeKeys, false, now)
		if err != nil {
			return resp, err
		}
		fallbacks, err := validatePrekeys(user, device, signingKey, req.FallbackKeys, true, now)
		if err != nil {
			return resp, err
		}
		if len(otks) > 0 {
			if err := s.store.AddOneTimeKeys(ctx, otks); err != nil {
				return resp, fmt.Errorf("store one-time keys: %w", err)
			}
		}
		for _, fb := range latestPerAlgorithm(fallbacks) {
			if err := s.store.PutFallbackKey(ctx, fb); err != nil {
				return resp, fmt.Errorf("store fallback key: %w", err)
			}
		}
	}

	counts, err := s.store.CountOneTimeKeys(ctx, user, device)
	if err != nil {
		return resp, fmt.Errorf("count one-time keys: %w", err)
	}
	return domain.KeyUploadResponse{OneTimeKeyCounts: counts}, nil
}

// Query returns the device keys of the requested users. An empty device
// list selects every device of the user. Storage failures for one user are
// reported in Failures without failing the batch.
func (s *Service) Query(ctx context.Context, req domain.KeyQueryRequest) (resp domain.KeyQueryResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "query", start, err) }(time.Now())

	resp = domain.KeyQueryResponse{
		DeviceKeys: make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys),
		Failures:   make(map[domain.UserID]string),
	}
	for _, user := range sortedUsers(req.DeviceKeys) {
		if ctx.Err() != nil {
			resp.Failures[user] = ReasonTimeout
			continue
		}
		devices, err := s.store.ListDevices(ctx, user)
		if err != nil {
			s.log.Error("query device keys", "user_id", user, "error", err)
			resp.Failures[user] = ReasonUnavailable
			continue
		}
		wanted := make(map[domain.DeviceID]bool)
		for _, d := range req.DeviceKeys[user] {
			wanted[d] = true
		}
		out := make(map[domain.DeviceID]domain.DeviceKeys)
		for _, d := range devices {
			if len(wanted) == 0 || wanted[d.DeviceID] {
				out[d.DeviceID] = d.Keys
			}
		}
		resp.DeviceKeys[user] = out
	}
	return resp, nil
}

// Claim takes one key per requested device: the oldest one-time key, or the
// fallback key when none remain. Exhausted devices are listed in Failures.
func (s *Service) Claim(ctx context.Context, req domain.KeyClaimRequest) (resp domain.KeyClaimResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "claim", start, err) }(time.Now())

	resp = domain.KeyClaimResponse{
		OneTimeKeys: make(map[domain.UserID]map[domain.DeviceID]map[string]domain.OneTimeKey),
		Failures:    make(map[domain.UserID]map[domain.DeviceID]string),
	}
	fail := func(user domain.UserID, device domain.DeviceID, reason string) {
		if resp.Failures[user] == nil {
			resp.Failures[user] = make(map[domain.DeviceID]string)
		}
		resp.Failures[user][device] = reason
	}

	// Reject a malformed request before any key is consumed.
	users := sortedClaimUsers(req.OneTimeKeys)
	for _, user := range users {
		for device, algorithm := range req.OneTimeKeys[user] {
			if algorithm == "" {
				return resp, domain.Validationf("missing algorithm for %s/%s", user, device)
			}
		}
	}

	for _, user := range users {
		for device, algorithm := range req.OneTimeKeys[user] {
			if ctx.Err() != nil {
				fail(user, device, ReasonTimeout)
				continue
			}
			k, err := s.store.ClaimOneTimeKey(ctx, user, device, algorithm)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				metrics.RecordClaim("exhausted")
				fail(user, device, ReasonNoKeys)
				continue
			case err != nil:
				s.log.Error("claim one-time key", "user_id", user, "device_id", device, "error", err)
				fail(user, device, ReasonUnavailable)
				continue
			}
			if k.Fallback {
				metrics.RecordClaim("fallback")
			} else {
				metrics.RecordClaim("one_time")
			}
			if resp.OneTimeKeys[user] == nil {
				resp.OneTimeKeys[user] = make(map[domain.DeviceID]map[string]domain.OneTimeKey)
			}
			resp.OneTimeKeys[user][device] = map[string]domain.OneTimeKey{k.FullKeyID(): k.Key}
		}
	}
	return resp, nil
}

// Changes lists users whose device keys changed in (fromMS, toMS].
func (s *Service) Changes(ctx context.Context, fromMS, toMS int64) (domain.KeyChangesResponse, error) {
	if toMS == 0 {
		toMS = s.clock.Now().UnixMilli()
	}
	if fromMS > toMS {
		return domain.KeyChangesResponse{}, domain.Validationf("from %d is after to %d", fromMS, toMS)
	}
	users, err := s.store.UsersChangedBetween(ctx, fromMS, toMS)
	if err != nil {
		return domain.KeyChangesResponse{}, fmt.Errorf("key changes: %w", err)
	}
	if users == nil {
		users = []domain.UserID{}
	}
	return domain.KeyChangesResponse{Changed: users, Left: []domain.UserID{}}, nil
}

// Delete removes a device with every key it published.
func (s *Service) Delete(ctx context.Context, user domain.UserID, device domain.DeviceID) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "delete", start, err) }(time.Now())

	if err := s.store.DeleteDevice(ctx, user, device, s.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("delete device %s: %w", device, err)
	}
	s.log.Info("device keys deleted", "user_id", user, "device_id", device)
	return nil
}

// Device returns the published keys of a single device.
func (s *Service) Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error) {
	return s.store.GetDevice(ctx, user, device)
}

// Devices lists a user's devices.
func (s *Service) Devices(ctx context.Context, user domain.UserID) ([]domain.Device, error) {
	return s.store.ListDevices(ctx, user)
}

func latestPerAlgorithm(keys []domain.StoredOneTimeKey) []domain.StoredOneTimeKey {
	byAlg := make(map[string]domain.StoredOneTimeKey)
	for _, k := range keys {
		if prev, ok := byAlg[k.Algorithm]; !ok || k.KeyID > prev.KeyID {
			byAlg[k.Algorithm] = k
		}
	}
	out := make([]domain.StoredOneTimeKey, 0, len(byAlg))
	for _, k := range byAlg {
		out = append(out, k)
	}
	return out
}

func sortedUsers(m map[domain.UserID][]domain.DeviceID) []domain.UserID {
	out := make([]domain.UserID, 0, len(m))
	for u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedClaimUsers(m map[domain.UserID]map[domain.DeviceID]string) []domain.UserID {
	out := make([]domain.UserID, 0, len(m))
	for u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifySigned checks that v carries a valid signature by user/keyID from
// the base64 ed25519 key pub.
func VerifySigned(v any, sigs domain.Signatures, user domain.UserID, keyID, pub string) error {
	sig, ok := sigs.Get(user, keyID)
	if !ok {
		return fmt.Errorf("%w: missing signature %s", crypto.ErrSignatureVerificationFailed, keyID)
	}
	canonical, err := domain.CanonicalJSON(v)
	if err != nil {
		return err
	}
	return crypto.VerifyEd25519Base64(pub, canonical, sig)
}
