package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

const (
	// AESKeySize is the AES-256 key length.
	AESKeySize = 32
	// GCMNonceSize is the nonce length used by SealAESGCM.
	GCMNonceSize = 12
)

var errAESKeySize = errors.New("crypto: aes key must be 32 bytes")

// SealAESGCM encrypts plaintext under a random nonce and returns nonce||ciphertext.
func SealAESGCM(key, plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, GCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct, err := SealAESGCMWithNonce(key, nonce, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// OpenAESGCM reverses SealAESGCM.
func OpenAESGCM(key, sealed, ad []byte) ([]byte, error) {
	if len(sealed) < GCMNonceSize {
		return nil, ErrDecrypt
	}
	return OpenAESGCMWithNonce(key, sealed[:GCMNonceSize], sealed[GCMNonceSize:], ad)
}

// SealAESGCMWithNonce encrypts with a caller-derived nonce. The nonce must
// never repeat for the same key.
func SealAESGCMWithNonce(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// OpenAESGCMWithNonce decrypts a ciphertext produced by SealAESGCMWithNonce.
func OpenAESGCMWithNonce(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, errAESKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// AESCTR applies AES-256-CTR with a 16-byte IV. Encryption and decryption
// are the same operation.
func AESCTR(key, iv, data []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		return nil, errAESKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("crypto: aes-ctr iv must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// HMACSHA256 returns HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// EqualMAC compares two MACs in constant time.
func EqualMAC(a, b []byte) bool { return hmac.Equal(a, b) }

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
