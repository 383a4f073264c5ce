package eventsig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "eventsig"

// Devices looks up published device keys.
type Devices interface {
	Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error)
}

// Status is the verification outcome of one stored signature.
type Status struct {
	UserID   domain.UserID   `json:"user_id"`
	DeviceID domain.DeviceID `json:"device_id"`
	KeyID    string          `json:"key_id"`
	Valid    bool            `json:"valid"`
	Reason   string          `json:"reason,omitempty"`
}

type Service struct {
	store   domain.EventSignatureStore
	devices Devices
	clock   domain.Clock
	log     domain.Logger
}

func New(store domain.EventSignatureStore, devices Devices, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, devices: devices, clock: clock, log: log}
}

// Sign stores sig, an unpadded base64 ed25519 signature by the device over
// the UTF-8 bytes of eventID. The signature must verify before it is stored.
func (s *Service) Sign(ctx context.Context, eventID string, user domain.UserID, device domain.DeviceID, sig string) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "sign", start, err) }(time.Now())

	if eventID == "" {
		return domain.Validationf("event_id is required")
	}
	dev, err := s.devices.Device(ctx, user, device)
	if err != nil {
		return fmt.Errorf("sign event %s: %w", eventID, err)
	}
	if err := crypto.VerifyEd25519Base64(dev.Keys.SigningKey(), []byte(eventID), sig); err != nil {
		return fmt.Errorf("%w: event signature: %w", domain.ErrValidation, err)
	}
	return s.store.PutEventSignature(ctx, domain.EventSignature{
		EventID:   eventID,
		UserID:    user,
		DeviceID:  device,
		KeyID:     domain.KeyID(domain.KeyTypeEd25519, string(device)),
		Signature: sig,
		CreatedTS: s.clock.Now().UnixMilli(),
	})
}

// Verify re-checks every stored signature over eventID. Signatures from
// devices that no longer exist, or whose key has changed, are invalid.
func (s *Service) Verify(ctx context.Context, eventID string) ([]Status, error) {
	sigs, err := s.store.EventSignatures(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(sigs))
	for _, sig := range sigs {
		st := Status{UserID: sig.UserID, DeviceID: sig.DeviceID, KeyID: sig.KeyID}
		dev, err := s.devices.Device(ctx, sig.UserID, sig.DeviceID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			st.Reason = "device not found"
		case err != nil:
			return nil, err
		case crypto.VerifyEd25519Base64(dev.Keys.SigningKey(), []byte(eventID), sig.Signature) != nil:
			st.Reason = "signature does not verify"
		default:
			st.Valid = true
		}
		out = append(out, st)
	}
	return out, nil
}

// Delete drops every signature recorded for eventID.
func (s *Service) Delete(ctx context.Context, eventID string) error {
	return s.store.DeleteEventSignatures(ctx, eventID)
}
