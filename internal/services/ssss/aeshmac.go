package ssss

import (
	"encoding/json"
	"errors"
	"fmt"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/util/memzero"
)

// KeySize is the length of a secret storage key.
const KeySize = 32

// ErrWrongKey means a storage key does not match its descriptor's check MAC.
var ErrWrongKey = errors.New("ssss: key does not match descriptor")

// Encrypted is an aes-hmac-sha2 ciphertext as stored in encrypted_secret.
type Encrypted struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// Encrypt encrypts secret for the given secret name. The name is bound into
// the derived keys, so a blob cannot be replayed under another name.
func Encrypt(key []byte, name string, secret []byte) (Encrypted, error) {
	aesKey, macKey, err := deriveKeys(key, name)
	if err != nil {
		return Encrypted{}, err
	}
	defer memzero.Zero(aesKey)
	defer memzero.Zero(macKey)

	iv, err := crypto.RandomBytes(16)
	if err != nil {
		return Encrypted{}, err
	}
	// Bit 63 cleared so the counter cannot wrap inside the IV.
	iv[8] &= 0x7f

	ct, err := crypto.AESCTR(aesKey, iv, secret)
	if err != nil {
		return Encrypted{}, err
	}
	return Encrypted{
		IV:         crypto.B64(iv),
		Ciphertext: crypto.B64(ct),
		MAC:        crypto.B64(crypto.HMACSHA256(macKey, ct)),
	}, nil
}

// Decrypt reverses Encrypt. A bad MAC yields crypto.ErrDecrypt.
func Decrypt(key []byte, name string, e Encrypted) ([]byte, error) {
	iv, err := crypto.DecodeB64(e.IV)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.DecodeB64(e.Ciphertext)
	if err != nil {
		return nil, err
	}
	mac, err := crypto.DecodeB64(e.MAC)
	if err != nil {
		return nil, err
	}

	aesKey, macKey, err := deriveKeys(key, name)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(aesKey)
	defer memzero.Zero(macKey)

	if !crypto.EqualMAC(mac, crypto.HMACSHA256(macKey, ct)) {
		return nil, crypto.ErrDecrypt
	}
	return crypto.AESCTR(aesKey, iv, ct)
}

// Seal encrypts secret and renders it as an encrypted_secret string.
func Seal(key []byte, name string, secret []byte) (string, error) {
	e, err := Encrypt(key, name, secret)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Open parses and decrypts an encrypted_secret string produced by Seal.
func Open(key []byte, name, sealed string) ([]byte, error) {
	var e Encrypted
	if err := json.Unmarshal([]byte(sealed), &e); err != nil {
		return nil, fmt.Errorf("%w: encrypted secret: %w", domain.ErrValidation, err)
	}
	return Decrypt(key, name, e)
}

// KeyCheck returns the iv and mac a descriptor carries so clients can test a
// candidate key: 32 zero bytes encrypted under the empty name.
func KeyCheck(key []byte) (iv, mac string, err error) {
	e, err := Encrypt(key, "", make([]byte, 32))
	if err != nil {
		return "", "", err
	}
	return e.IV, e.MAC, nil
}

// CheckKey reports ErrWrongKey unless key matches desc's check values.
func CheckKey(key []byte, desc domain.SecretStorageKey) error {
	if desc.IV == "" || desc.MAC == "" {
		return domain.Validationf("storage key %s has no check values", desc.KeyID)
	}
	_, err := Decrypt(key, "", Encrypted{IV: desc.IV, Ciphertext: crypto.B64(make([]byte, 32)), MAC: desc.MAC})
	if errors.Is(err, crypto.ErrDecrypt) {
		return ErrWrongKey
	}
	return err
}

// NewKeyDescriptor generates a random storage key and the aes-hmac-sha2
// descriptor that goes with it. The caller owns the returned key.
func NewKeyDescriptor(name string) (key []byte, desc domain.SecretStorageKey, err error) {
	key, err = crypto.RandomBytes(KeySize)
	if err != nil {
		return nil, desc, err
	}
	desc, err = Describe(key, name)
	if err != nil {
		memzero.Zero(key)
		return nil, desc, err
	}
	return key, desc, nil
}

// Describe builds an aes-hmac-sha2 descriptor for an existing key.
func Describe(key []byte, name string) (domain.SecretStorageKey, error) {
	iv, mac, err := KeyCheck(key)
	if err != nil {
		return domain.SecretStorageKey{}, err
	}
	return domain.SecretStorageKey{
		Name:      name,
		Algorithm: domain.SecretStorageAESHMACSHA2,
		IV:        iv,
		MAC:       mac,
	}, nil
}

func deriveKeys(key []byte, name string) (aesKey, macKey []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, crypto.ErrInvalidKeyLength
	}
	okm, err := crypto.HKDF(key, make([]byte, 32), []byte(name), 64)
	if err != nil {
		return nil, nil, err
	}
	aesKey = append([]byte(nil), okm[:32]...)
	macKey = append([]byte(nil), okm[32:]...)
	memzero.Zero(okm)
	return aesKey, macKey, nil
}
