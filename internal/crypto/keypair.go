package crypto

import "e2eed/internal/domain"

// SigningKeyPair owns an Ed25519 secret. Call Zero when done with it.
type SigningKeyPair struct {
	Public  domain.Ed25519Public
	private domain.Ed25519Private
}

// NewSigningKeyPair generates a fresh Ed25519 pair.
func NewSigningKeyPair() (*SigningKeyPair, error) {
	priv, pub, err := GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, private: priv}, nil
}

// SigningKeyPairFromPrivate takes ownership of priv.
func SigningKeyPairFromPrivate(priv domain.Ed25519Private) *SigningKeyPair {
	return &SigningKeyPair{Public: priv.Public(), private: priv}
}

// Sign returns an Ed25519 signature over msg.
func (k *SigningKeyPair) Sign(msg []byte) []byte { return SignEd25519(k.private, msg) }

// SignB64 returns the signature as unpadded base64.
func (k *SigningKeyPair) SignB64(msg []byte) string { return B64(k.Sign(msg)) }

// Private exposes the secret for persistence. Callers own the copy.
func (k *SigningKeyPair) Private() domain.Ed25519Private { return k.private }

// Zero wipes the secret.
func (k *SigningKeyPair) Zero() { k.private.Zero() }

// ExchangeKeyPair owns an X25519 secret. Call Zero when done with it.
type ExchangeKeyPair struct {
	Public  domain.X25519Public
	private domain.X25519Private
}

// NewExchangeKeyPair generates a fresh X25519 pair.
func NewExchangeKeyPair() (*ExchangeKeyPair, error) {
	priv, pub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	return &ExchangeKeyPair{Public: pub, private: priv}, nil
}

// ExchangeKeyPairFromPrivate takes ownership of priv.
func ExchangeKeyPairFromPrivate(priv domain.X25519Private) (*ExchangeKeyPair, error) {
	pub, err := X25519PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &ExchangeKeyPair{Public: pub, private: priv}, nil
}

// DH agrees a shared secret with peer.
func (k *ExchangeKeyPair) DH(peer domain.X25519Public) ([32]byte, error) {
	return DH(k.private, peer)
}

// Private exposes the secret for persistence. Callers own the copy.
func (k *ExchangeKeyPair) Private() domain.X25519Private { return k.private }

// Zero wipes the secret.
func (k *ExchangeKeyPair) Zero() { k.private.Zero() }
