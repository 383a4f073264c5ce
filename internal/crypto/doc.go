// Package crypto exposes the primitives the E2EE services are built on.
//
// Contents
//
//   - X25519 key generation and Diffie–Hellman with low-order rejection
//     (GenerateX25519, DH, ExchangeKeyPair)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519, SigningKeyPair)
//   - Strict unpadded base64 for 32-byte keys (EncodeKey, DecodeKey)
//   - AES-256-GCM and AES-CTR/HMAC-SHA256 symmetric encryption
//   - HKDF-SHA256 and Argon2id key derivation
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Keys are fixed-size array types defined in internal/domain. Secret halves
// are never formatted by fmt and should be wiped with their Zero method as
// soon as the owning scope ends.
package crypto
