package domain

import "encoding/json"

// DeviceKeys is the signed identity-key object a device publishes.
type DeviceKeys struct {
	UserID     UserID            `json:"user_id"`
	DeviceID   DeviceID          `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
	Unsigned   json.RawMessage   `json:"unsigned,omitempty"`
}

// IdentityKey returns the device's curve25519 key, base64 encoded.
func (d DeviceKeys) IdentityKey() string {
	return d.Keys[KeyID(KeyTypeCurve25519, string(d.DeviceID))]
}

// SigningKey returns the device's ed25519 key, base64 encoded.
func (d DeviceKeys) SigningKey() string {
	return d.Keys[KeyID(KeyTypeEd25519, string(d.DeviceID))]
}

// DeviceKey is one persisted identity-key row.
type DeviceKey struct {
	UserID    UserID
	DeviceID  DeviceID
	Algorithm string
	KeyID     string
	PublicKey string
	CreatedTS int64
}

// Device is a registered device together with its latest published keys.
type Device struct {
	UserID    UserID
	DeviceID  DeviceID
	Keys      DeviceKeys
	CreatedTS int64
	UpdatedTS int64
}

// OneTimeKey is a signed prekey as carried in upload and claim bodies.
type OneTimeKey struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// StoredOneTimeKey is a persisted one-time or fallback key.
type StoredOneTimeKey struct {
	UserID    UserID
	DeviceID  DeviceID
	Algorithm string
	KeyID     string
	Key       OneTimeKey
	Fallback  bool
	Used      bool
	CreatedTS int64
}

// FullKeyID renders "algorithm:key_id".
func (k StoredOneTimeKey) FullKeyID() string { return KeyID(k.Algorithm, k.KeyID) }

type KeyUploadRequest struct {
	DeviceKeys   *DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]OneTimeKey `json:"fallback_keys,omitempty"`
}

type KeyUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type KeyQueryRequest struct {
	DeviceKeys map[UserID][]DeviceID `json:"device_keys"`
	Timeout    int64                 `json:"timeout,omitempty"`
	Token      string                `json:"token,omitempty"`
}

type KeyQueryResponse struct {
	DeviceKeys map[UserID]map[DeviceID]DeviceKeys `json:"device_keys"`
	Failures   map[UserID]string                  `json:"failures"`
}

type KeyClaimRequest struct {
	OneTimeKeys map[UserID]map[DeviceID]string `json:"one_time_keys"`
	Timeout     int64                          `json:"timeout,omitempty"`
}

type KeyClaimResponse struct {
	OneTimeKeys map[UserID]map[DeviceID]map[string]OneTimeKey `json:"one_time_keys"`
	Failures    map[UserID]map[DeviceID]string                `json:"failures"`
}

type KeyChangesResponse struct {
	Changed []UserID `json:"changed"`
	Left    []UserID `json:"left"`
}
