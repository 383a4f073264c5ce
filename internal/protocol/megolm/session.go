package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

const (
	exportVersion = 1
	sharedVersion = 2

	exportLen = 1 + 4 + 32 + 32
	sharedLen = exportLen + ed25519.SignatureSize
)

var ErrMalformedSessionKey = errors.New("megolm: malformed session key")

// OutboundSession is the sender's side of a group session.
type OutboundSession struct {
	ratchet Ratchet
	signing *crypto.SigningKeyPair
}

// OutboundPickle is the persisted form of an OutboundSession. It holds
// secrets and must only be stored encrypted.
type OutboundPickle struct {
	Index          uint32                `json:"index"`
	Ratchet        [32]byte              `json:"ratchet"`
	SigningPrivate domain.Ed25519Private `json:"signing_private"`
}

// NewOutboundSession starts a session at index 0 with fresh key material.
func NewOutboundSession() (*OutboundSession, error) {
	var r Ratchet
	if _, err := rand.Read(r.Key[:]); err != nil {
		return nil, err
	}
	signing, err := crypto.NewSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &OutboundSession{ratchet: r, signing: signing}, nil
}

// RestoreOutbound rebuilds a session from its pickle.
func RestoreOutbound(p OutboundPickle) *OutboundSession {
	return &OutboundSession{
		ratchet: Ratchet{Index: p.Index, Key: p.Ratchet},
		signing: crypto.SigningKeyPairFromPrivate(p.SigningPrivate),
	}
}

// Pickle returns the persisted form. The caller owns the secrets in it.
func (s *OutboundSession) Pickle() OutboundPickle {
	return OutboundPickle{Index: s.ratchet.Index, Ratchet: s.ratchet.Key, SigningPrivate: s.signing.Private()}
}

// ID is the unpadded base64 of the session's signing key.
func (s *OutboundSession) ID() string { return crypto.EncodeKey(s.signing.Public) }

// Index is the index the next message will use.
func (s *OutboundSession) Index() uint32 { return s.ratchet.Index }

// Encrypt seals plaintext at the current index and advances the ratchet, so
// an index is never used twice.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	key, nonce, err := s.ratchet.messageKeys()
	if err != nil {
		return "", err
	}
	ct, err := crypto.SealAESGCMWithNonce(key, nonce, plaintext, associatedData(s.ID(), s.ratchet.Index))
	if err != nil {
		return "", err
	}
	msg := Message{Index: s.ratchet.Index, Ciphertext: ct}
	msg.Signature = s.signing.Sign(msg.signedPart())
	s.ratchet.Advance()
	return msg.Encode(), nil
}

// SessionKey returns the signed shared form at the current index.
func (s *OutboundSession) SessionKey() string {
	body := encodeKey(sharedVersion, s.ratchet, s.signing.Public)
	body = append(body, s.signing.Sign(body)...)
	return crypto.B64(body)
}

// Zero wipes the ratchet and signing secrets.
func (s *OutboundSession) Zero() {
	s.ratchet.Zero()
	s.signing.Zero()
}

// InboundSession is a receiver's view of a group session.
type InboundSession struct {
	initial    Ratchet
	signingPub domain.Ed25519Public
}

// NewInboundSession parses a shared (signed) or exported session key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	raw, err := crypto.DecodeB64(sessionKey)
	if err != nil {
		return nil, err
	}
	switch {
	case len(raw) == sharedLen && raw[0] == sharedVersion:
		pub := domain.MustEd25519Public(raw[37:69])
		if err := crypto.VerifyEd25519(pub, raw[:exportLen], raw[exportLen:]); err != nil {
			return nil, err
		}
	case len(raw) == exportLen && raw[0] == exportVersion:
	default:
		return nil, ErrMalformedSessionKey
	}
	s := &InboundSession{signingPub: domain.MustEd25519Public(raw[37:69])}
	s.initial.Index = binary.BigEndian.Uint32(raw[1:5])
	copy(s.initial.Key[:], raw[5:37])
	return s, nil
}

// ID is the unpadded base64 of the sender's signing key.
func (s *InboundSession) ID() string { return crypto.EncodeKey(s.signingPub) }

// FirstKnownIndex is the lowest index this session can decrypt.
func (s *InboundSession) FirstKnownIndex() uint32 { return s.initial.Index }

// Decrypt verifies and opens a message, returning its index. The stored
// ratchet is never advanced.
func (s *InboundSession) Decrypt(encoded string) ([]byte, uint32, error) {
	msg, err := ParseMessage(encoded)
	if err != nil {
		return nil, 0, err
	}
	if err := crypto.VerifyEd25519(s.signingPub, msg.signedPart(), msg.Signature); err != nil {
		return nil, 0, err
	}
	r, err := s.initial.AdvancedTo(msg.Index)
	if err != nil {
		return nil, 0, err
	}
	defer r.Zero()
	key, nonce, err := r.messageKeys()
	if err != nil {
		return nil, 0, err
	}
	pt, err := crypto.OpenAESGCMWithNonce(key, nonce, msg.Ciphertext, associatedData(s.ID(), msg.Index))
	if err != nil {
		return nil, 0, err
	}
	return pt, msg.Index, nil
}

// Export renders the exported form at index, which must not be below the
// first known index.
func (s *InboundSession) Export(index uint32) (string, error) {
	r, err := s.initial.AdvancedTo(index)
	if err != nil {
		return "", err
	}
	defer r.Zero()
	return crypto.B64(encodeKey(exportVersion, r, s.signingPub)), nil
}

// Zero wipes the ratchet secret.
func (s *InboundSession) Zero() { s.initial.Zero() }

func encodeKey(version byte, r Ratchet, pub domain.Ed25519Public) []byte {
	out := make([]byte, 0, sharedLen)
	out = append(out, version)
	out = binary.BigEndian.AppendUint32(out, r.Index)
	out = append(out, r.Key[:]...)
	return append(out, pub[:]...)
}
