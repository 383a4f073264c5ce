package ratchet

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/util/memzero"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// MaxSkip bounds how far ahead of the receive chain a single message may be.
	MaxSkip = 1000
	// maxStoredSkipped bounds the total number of retained skipped keys.
	maxStoredSkipped = 2000
)

var (
	ErrReplay         = errors.New("ratchet: message index already consumed")
	ErrTooManySkipped = errors.New("ratchet: too many skipped messages")

	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's identity key.
func InitAsInitiator(root []byte, peerIdentity domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK, err := kdfRK(root, dh[:])
	memzero.Zero32(&dh)
	if err != nil {
		return domain.RatchetState{}, err
	}

	return domain.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerIdentity, // placeholder until the first remote ratchet key arrives
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our identity
// secret and the sender's first ratchet key.
func InitAsResponder(root []byte, ourIdentity domain.X25519Private, senderRatchetPub domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(ourIdentity, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, recvCK, err := kdfRK(root, dh[:])
	memzero.Zero32(&dh)
	if err != nil {
		return domain.RatchetState{}, err
	}

	return domain.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: senderRatchetPub,
		ReceiveChainKey:         recvCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, stepping the DH ratchet on the
// first send after responding.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		newPriv, newPub, err := crypto.GenerateX25519()
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDiffieHellmanPublic)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		rk2, sendCK, err := kdfRK(st.RootKey, dh[:])
		memzero.Zero32(&dh)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}

		memzero.Zero(st.RootKey)
		st.DiffieHellmanPrivate.Zero()
		st.PreviousChainLength = st.SendMessageIndex
		st.SendMessageIndex = 0
		st.RootKey = rk2
		st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
		st.SendChainKey = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: st.DiffieHellmanPublic,
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

// Decrypt opens a message, handling skipped keys and remote DH ratchet steps.
// st is only updated when the message authenticates.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	work := clone(*st)
	pt, err := decrypt(&work, ad, header, ciphertext)
	if err != nil {
		work.Zero()
		return nil, err
	}
	st.Zero()
	*st = work
	return pt, nil
}

func decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	keyID := skippedKeyID(header.DiffieHellmanPublicKey, header.MessageIndex)
	if mk, ok := st.SkippedKeys[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, err
		}
		memzero.Zero(mk)
		delete(st.SkippedKeys, keyID)
		return pt, nil
	}

	if equal32(st.PeerDiffieHellmanPublic, header.DiffieHellmanPublicKey) {
		if len(st.ReceiveChainKey) > 0 && header.MessageIndex < st.ReceiveMessageIndex {
			return nil, ErrReplay
		}
	} else {
		if err := skipUntil(st, header.PreviousChainLength); err != nil {
			return nil, err
		}
		if err := dhStep(st, header.DiffieHellmanPublicKey); err != nil {
			return nil, err
		}
	}

	if err := skipUntil(st, header.MessageIndex); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// dhStep advances the receiving and then the sending chain for a new remote key.
func dhStep(st *domain.RatchetState, newPeer domain.X25519Public) error {
	dh, err := crypto.DH(st.DiffieHellmanPrivate, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK, err := kdfRK(st.RootKey, dh[:])
	memzero.Zero32(&dh)
	if err != nil {
		return err
	}

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, newPeer)
	if err != nil {
		return err
	}
	rk3, sendCK, err := kdfRK(rk2, dh2[:])
	memzero.Zero32(&dh2)
	memzero.Zero(rk2)
	if err != nil {
		return err
	}

	memzero.Zero(st.RootKey)
	memzero.Zero(st.SendChainKey)
	memzero.Zero(st.ReceiveChainKey)
	st.DiffieHellmanPrivate.Zero()

	st.PreviousChainLength = st.SendMessageIndex
	st.SendMessageIndex, st.ReceiveMessageIndex = 0, 0
	st.RootKey = rk3
	st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
	st.PeerDiffieHellmanPublic = newPeer
	st.SendChainKey, st.ReceiveChainKey = sendCK, recvCK
	return nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(header), plaintext, associated(ad, header)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceFor(header), ciphertext, associated(ad, header))
	if err != nil {
		return nil, crypto.ErrDecrypt
	}
	return pt, nil
}

func nonceFor(h domain.RatchetHeader) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], h.MessageIndex)
	return nonce
}

func associated(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, h.DiffieHellmanPublicKey[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.MessageIndex)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	out, err := crypto.HKDF(dh, rk, []byte("DR|rk"), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func kdfCK(ck []byte) (nextCK, mk []byte, err error) {
	out, err := crypto.HKDF(ck, nil, []byte("DR|ck"), 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk, err := kdfCK(st.SendChainKey)
	if err != nil {
		return nil, err
	}
	memzero.Zero(st.SendChainKey)
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk, err := kdfCK(st.ReceiveChainKey)
	if err != nil {
		return nil, err
	}
	memzero.Zero(st.ReceiveChainKey)
	st.ReceiveChainKey = nextCK
	return mk, nil
}

// skippedKeyID is hex so the map survives JSON persistence.
func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 0, 32+4)
	b = append(b, peer[:]...)
	b = binary.BigEndian.AppendUint32(b, n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores receive-chain message keys up to (not
// including) until. A chain that was never started has nothing to skip.
func skipUntil(st *domain.RatchetState, until uint32) error {
	if len(st.ReceiveChainKey) == 0 || until <= st.ReceiveMessageIndex {
		return nil
	}
	if until-st.ReceiveMessageIndex > MaxSkip {
		return ErrTooManySkipped
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = make(map[string][]byte)
	}
	for st.ReceiveMessageIndex < until {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		if len(st.SkippedKeys) >= maxStoredSkipped {
			for k, v := range st.SkippedKeys {
				memzero.Zero(v)
				delete(st.SkippedKeys, k)
				break
			}
		}
		st.SkippedKeys[skippedKeyID(st.PeerDiffieHellmanPublic, st.ReceiveMessageIndex)] = mk
		st.ReceiveMessageIndex++
	}
	return nil
}

func equal32(a, b domain.X25519Public) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func clone(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendChainKey = cloneBytes(st.SendChainKey)
	out.ReceiveChainKey = cloneBytes(st.ReceiveChainKey)
	out.SkippedKeys = make(map[string][]byte, len(st.SkippedKeys))
	for k, v := range st.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
