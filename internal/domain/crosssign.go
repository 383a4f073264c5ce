package domain

import "strings"

// Cross-signing key usages.
const (
	KeyUsageMaster      = "master"
	KeyUsageSelfSigning = "self_signing"
	KeyUsageUserSigning = "user_signing"
)

// CrossSigningKey is the published form of a master, self-signing or
// user-signing key.
type CrossSigningKey struct {
	UserID     UserID            `json:"user_id"`
	Usage      []string          `json:"usage"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// PublicKey returns the single ed25519 key carried by k.
func (k CrossSigningKey) PublicKey() (keyID, pub string, ok bool) {
	if len(k.Keys) != 1 {
		return "", "", false
	}
	for id, v := range k.Keys {
		if !strings.HasPrefix(id, KeyTypeEd25519+":") {
			return "", "", false
		}
		return id, v, true
	}
	return "", "", false
}

// HasUsage reports whether usage is listed on k.
func (k CrossSigningKey) HasUsage(usage string) bool {
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// CrossSigningUpload is the body of a device_signing upload. Any subset may
// be present once a master key exists.
type CrossSigningUpload struct {
	MasterKey      *CrossSigningKey `json:"master_key,omitempty"`
	SelfSigningKey *CrossSigningKey `json:"self_signing_key,omitempty"`
	UserSigningKey *CrossSigningKey `json:"user_signing_key,omitempty"`
}

// StoredCrossSigningKey is a persisted cross-signing key.
type StoredCrossSigningKey struct {
	UserID    UserID
	Usage     string
	KeyID     string
	PublicKey string
	Key       CrossSigningKey
	CreatedTS int64
}

// CrossSignature is a persisted signature from one key over another key or device.
type CrossSignature struct {
	SignerUserID UserID
	SignerKeyID  string
	TargetUserID UserID
	TargetKeyID  string
	Signature    string
	CreatedTS    int64
}

// SignatureUpload maps a target (a user ID for that user's master key, or
// one of the signer's device IDs) to signer key IDs and signatures.
type SignatureUpload map[string]map[string]string

// SignatureUploadResponse lists per-target failures.
type SignatureUploadResponse struct {
	Failures map[string]string `json:"failures"`
}

// EventSignature is an ed25519 signature by a device over an event ID.
type EventSignature struct {
	EventID   string
	UserID    UserID
	DeviceID  DeviceID
	KeyID     string
	Signature string
	CreatedTS int64
}

// CrossSigningSnapshot is a user's cross-signing state at one point in time.
type CrossSigningSnapshot struct {
	Keys       []StoredCrossSigningKey
	Signatures []CrossSignature
}
