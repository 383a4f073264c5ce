package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"e2eed/internal/domain"
)

// Event types used when distributing room keys.
const (
	EventRoomKey   = "m.room_key"
	EventEncrypted = "m.room.encrypted"
)

// Sharer encrypts a to-device event for one device over a pairwise channel.
type Sharer interface {
	EncryptFor(ctx context.Context, user domain.UserID, device domain.DeviceID, eventType string, content any) (domain.OlmEncryptedContent, error)
}

// Outbox queues to-device events.
type Outbox interface {
	Send(ctx context.Context, sender domain.UserID, eventType string, messages map[domain.UserID]map[domain.DeviceID]json.RawMessage) error
}

// ShareResult reports which recipients got the room key.
type ShareResult struct {
	SessionID string
	Shared    []domain.DeviceRef
	Failures  map[domain.UserID]map[domain.DeviceID]string
}

// Share sends the room's live outbound session key to recipients as
// m.room_key events wrapped in olm. Devices that cannot be reached are
// listed in Failures; the rest still receive the key.
func (s *Service) Share(ctx context.Context, room domain.RoomID, recipients []domain.DeviceRef) (ShareResult, error) {
	if s.sharer == nil || s.outbox == nil {
		return ShareResult{}, errors.New("megolm: sharing is not configured")
	}

	key, err := s.currentKey(ctx, room)
	if err != nil {
		return ShareResult{}, err
	}

	res := ShareResult{SessionID: key.SessionID, Failures: make(map[domain.UserID]map[domain.DeviceID]string)}
	batch := make(map[domain.UserID]map[domain.DeviceID]json.RawMessage)
	for _, r := range recipients {
		if r.UserID == s.self.UserID() && r.DeviceID == s.self.DeviceID() {
			continue
		}
		enc, err := s.sharer.EncryptFor(ctx, r.UserID, r.DeviceID, EventRoomKey, key)
		if err == nil {
			var raw []byte
			raw, err = json.Marshal(enc)
			if err == nil {
				if batch[r.UserID] == nil {
					batch[r.UserID] = make(map[domain.DeviceID]json.RawMessage)
				}
				batch[r.UserID][r.DeviceID] = raw
				res.Shared = append(res.Shared, r)
				continue
			}
		}
		s.log.Warn("room key not shared", "room_id", room, "user_id", r.UserID, "device_id", r.DeviceID, "error", err)
		if res.Failures[r.UserID] == nil {
			res.Failures[r.UserID] = make(map[domain.DeviceID]string)
		}
		res.Failures[r.UserID][r.DeviceID] = err.Error()
	}

	if len(batch) > 0 {
		if err := s.outbox.Send(ctx, s.self.UserID(), EventEncrypted, batch); err != nil {
			return res, fmt.Errorf("queue room keys: %w", err)
		}
	}
	return res, nil
}

// currentKey exports the live outbound session at its next index, so
// recipients can read everything sent from now on.
func (s *Service) currentKey(ctx context.Context, room domain.RoomID) (domain.RoomKeyContent, error) {
	unlock := s.locks.Lock(string(room))
	defer unlock()

	sess, err := s.outboundLocked(ctx, room)
	if err != nil {
		return domain.RoomKeyContent{}, err
	}
	out, err := s.openOutbound(sess)
	if err != nil {
		return domain.RoomKeyContent{}, err
	}
	defer out.Zero()
	return domain.RoomKeyContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     room,
		SessionID:  sess.SessionID,
		SessionKey: out.SessionKey(),
	}, nil
}
