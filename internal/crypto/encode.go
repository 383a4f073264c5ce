package crypto

import (
	"encoding/base64"
	"strings"

	"e2eed/internal/domain"
)

var (
	rawB64    = base64.RawStdEncoding.Strict()
	paddedB64 = base64.StdEncoding.Strict()
)

// B64 returns unpadded standard base64.
func B64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// DecodeB64 decodes unpadded or correctly padded standard base64, rejecting
// non-canonical encodings.
func DecodeB64(s string) ([]byte, error) {
	enc := rawB64
	if strings.HasSuffix(s, "=") {
		enc = paddedB64
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// EncodeKey renders a 32-byte key as unpadded base64.
func EncodeKey(k [32]byte) string { return B64(k[:]) }

// DecodeKey parses exactly 32 bytes of base64 key material.
func DecodeKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := DecodeB64(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, ErrInvalidKeyLength
	}
	copy(out[:], b)
	return out, nil
}

// ParseX25519Public decodes a base64 curve25519 public key.
func ParseX25519Public(s string) (domain.X25519Public, error) {
	k, err := DecodeKey(s)
	return domain.X25519Public(k), err
}

// ParseEd25519Public decodes a base64 ed25519 public key.
func ParseEd25519Public(s string) (domain.Ed25519Public, error) {
	k, err := DecodeKey(s)
	return domain.Ed25519Public(k), err
}
