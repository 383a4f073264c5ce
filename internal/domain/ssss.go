package domain

// Secret storage algorithms.
const (
	SecretStorageAESHMACSHA2       = "m.secret_storage.v1.aes-hmac-sha2"
	SecretStorageCurve25519AESSHA2 = "org.matrix.msc2697.v1.curve25519-aes-sha2"
)

// PassphraseInfo describes how a storage key is derived from a passphrase.
type PassphraseInfo struct {
	Algorithm   string `json:"algorithm"`
	Salt        string `json:"salt"`
	Iterations  uint32 `json:"iterations"`
	Memory      uint32 `json:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	Bits        int    `json:"bits,omitempty"`
}

// SecretStorageKey describes how a family of stored secrets is encrypted.
type SecretStorageKey struct {
	UserID       UserID          `json:"-"`
	KeyID        string          `json:"key_id"`
	Name         string          `json:"name,omitempty"`
	Algorithm    string          `json:"algorithm"`
	Passphrase   *PassphraseInfo `json:"passphrase,omitempty"`
	IV           string          `json:"iv,omitempty"`
	MAC          string          `json:"mac,omitempty"`
	EncryptedKey string          `json:"encrypted_key,omitempty"`
	PublicKey    string          `json:"public_key,omitempty"`
	Signatures   Signatures      `json:"signatures,omitempty"`
	CreatedTS    int64           `json:"-"`
}

// StoredSecret is an opaque client-encrypted secret wrapped by KeyID.
type StoredSecret struct {
	UserID          UserID `json:"-"`
	Name            string `json:"-"`
	EncryptedSecret string `json:"encrypted_secret"`
	KeyID           string `json:"key"`
	CreatedTS       int64  `json:"-"`
	UpdatedTS       int64  `json:"-"`
}

type SecretsRequest struct {
	Secrets []string `json:"secrets"`
	Keys    []string `json:"keys,omitempty"`
}

type SecretsResponse struct {
	Secrets map[string]StoredSecret `json:"secrets"`
}
