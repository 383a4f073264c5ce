package olm

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"e2eed/internal/domain"
	"e2eed/internal/util/memzero"
)

var errPickleKeySize = errors.New("olm: pickle key must be 32 bytes")

// sessionState is the secret half of an OlmSession row.
type sessionState struct {
	Ratchet domain.RatchetState `json:"ratchet"`
	// AD binds every message to both identity keys, initiator first.
	AD []byte `json:"ad"`
	// PreKey is kept on outbound sessions until the peer has replied, so
	// that every message until then can bootstrap the peer's side.
	PreKey *preKeyInfo `json:"prekey,omitempty"`
}

func (s *sessionState) zero() {
	s.Ratchet.Zero()
}

type pickler struct {
	key []byte
}

func newPickler(key []byte) (*pickler, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errPickleKeySize
	}
	return &pickler{key: append([]byte(nil), key...)}, nil
}

// seal encrypts st with XChaCha20-Poly1305, binding it to the session id.
func (p *pickler) seal(sessionID string, st *sessionState) ([]byte, error) {
	plain, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("pickle session: %w", err)
	}
	defer memzero.Zero(plain)

	aead, err := chacha20poly1305.NewX(p.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(sessionID)), nil
}

func (p *pickler) open(sessionID string, sealed []byte) (*sessionState, error) {
	aead, err := chacha20poly1305.NewX(p.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("unpickle session %s: %w", sessionID, domain.ErrInternal)
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("unpickle session %s: %w", sessionID, domain.ErrInternal)
	}
	defer memzero.Zero(plain)

	var st sessionState
	if err := json.Unmarshal(plain, &st); err != nil {
		return nil, fmt.Errorf("unpickle session %s: %w", sessionID, err)
	}
	return &st, nil
}

func (p *pickler) zero() { memzero.Zero(p.key) }
