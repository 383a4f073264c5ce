package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"e2eed/internal/domain"
)

// GenerateEd25519 returns a new Ed25519 signing key pair.
func GenerateEd25519() (priv domain.Ed25519Private, pub domain.Ed25519Public, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// SignEd25519 signs msg with priv and returns the signature.
func SignEd25519(priv domain.Ed25519Private, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519 verifies sig over msg with pub.
func VerifyEd25519(pub domain.Ed25519Public, msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// VerifyEd25519Base64 is VerifyEd25519 over base64 key and signature text.
func VerifyEd25519Base64(pubB64 string, msg []byte, sigB64 string) error {
	pub, err := ParseEd25519Public(pubB64)
	if err != nil {
		return err
	}
	sig, err := DecodeB64(sigB64)
	if err != nil {
		return err
	}
	return VerifyEd25519(pub, msg, sig)
}
