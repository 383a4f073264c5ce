package olm

import (
	"encoding/json"
	"fmt"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

// preKeyInfo lets the receiver derive the same root key: the initiator's
// identity key, its ephemeral base key and the prekey it claimed.
type preKeyInfo struct {
	IdentityKey string `json:"identity_key"`
	BaseKey     string `json:"base_key"`
	KeyID       string `json:"one_time_key_id"`
	Key         string `json:"one_time_key"`
}

// envelope is the decoded body of an OlmMessage.
type envelope struct {
	PreKey     *preKeyInfo          `json:"prekey,omitempty"`
	Header     domain.RatchetHeader `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
}

func encodeEnvelope(e envelope) (domain.OlmMessage, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return domain.OlmMessage{}, err
	}
	typ := domain.OlmMessageTypeNormal
	if e.PreKey != nil {
		typ = domain.OlmMessageTypePreKey
	}
	return domain.OlmMessage{Type: typ, Body: crypto.B64(raw)}, nil
}

func decodeEnvelope(m domain.OlmMessage) (envelope, error) {
	var e envelope
	raw, err := crypto.DecodeB64(m.Body)
	if err != nil {
		return e, fmt.Errorf("olm body: %w", err)
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, domain.Validationf("olm body: %v", err)
	}
	switch m.Type {
	case domain.OlmMessageTypePreKey:
		if e.PreKey == nil {
			return e, domain.Validationf("pre-key message without prekey block")
		}
	case domain.OlmMessageTypeNormal:
		e.PreKey = nil
	default:
		return e, domain.Validationf("unknown olm message type %d", m.Type)
	}
	return e, nil
}

// Payload is the plaintext wrapper carried inside every olm ciphertext. It
// names both parties so a ciphertext cannot be replayed to another device.
type Payload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        domain.UserID     `json:"sender"`
	SenderDevice  domain.DeviceID   `json:"sender_device"`
	Keys          map[string]string `json:"keys"`
	Recipient     domain.UserID     `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
}

func associatedData(initiatorKey, responderKey string) []byte {
	return []byte(initiatorKey + "|" + responderKey)
}
