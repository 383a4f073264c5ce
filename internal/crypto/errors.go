package crypto

import "errors"

var (
	// ErrInvalidBase64 is returned for text that is not strict base64.
	ErrInvalidBase64 = errors.New("crypto: invalid base64")
	// ErrInvalidKeyLength is returned when decoded key material is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
	// ErrSignatureVerificationFailed is returned for any bad Ed25519 signature.
	ErrSignatureVerificationFailed = errors.New("crypto: signature verification failed")
	// ErrLowOrderPoint is returned when a DH output would be all zeros.
	ErrLowOrderPoint = errors.New("crypto: peer public key is a low-order point")
	// ErrDecrypt is returned when authenticated decryption fails.
	ErrDecrypt = errors.New("crypto: message authentication failed")
)
