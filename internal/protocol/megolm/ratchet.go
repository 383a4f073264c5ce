package megolm

import (
	"errors"

	"e2eed/internal/crypto"
	"e2eed/internal/util/memzero"
)

// MaxAdvance bounds how far a single decrypt may move a ratchet copy forward.
const MaxAdvance = 1 << 17

var (
	ErrIndexTooLow = errors.New("megolm: message index is below the first known index")
	ErrIndexTooFar = errors.New("megolm: message index is too far ahead")
)

var (
	stepLabel = []byte{0x01}
	keysInfo  = []byte("MEGOLM_KEYS")
)

// Ratchet is the hash chain at a given index.
type Ratchet struct {
	Index uint32
	Key   [32]byte
}

// Advance moves the ratchet one step forward, destroying the previous key.
func (r *Ratchet) Advance() {
	next := crypto.HMACSHA256(r.Key[:], stepLabel)
	copy(r.Key[:], next)
	memzero.Zero(next)
	r.Index++
}

// AdvancedTo returns a copy of r moved forward to index.
func (r Ratchet) AdvancedTo(index uint32) (Ratchet, error) {
	if index < r.Index {
		return Ratchet{}, ErrIndexTooLow
	}
	if index-r.Index > MaxAdvance {
		return Ratchet{}, ErrIndexTooFar
	}
	out := r
	for out.Index < index {
		out.Advance()
	}
	return out, nil
}

// Zero wipes the ratchet key.
func (r *Ratchet) Zero() { memzero.Zero32(&r.Key) }

// messageKeys derives the AES-256 key and GCM nonce for the current index.
func (r Ratchet) messageKeys() (key, nonce []byte, err error) {
	out, err := crypto.HKDF(r.Key[:], nil, keysInfo, crypto.AESKeySize+crypto.GCMNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:crypto.AESKeySize], out[crypto.AESKeySize:], nil
}
