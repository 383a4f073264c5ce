package domain

import "e2eed/internal/util/memzero"

// RatchetHeader is sent alongside every pairwise ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey X25519Public `json:"dh"`
	PreviousChainLength    uint32       `json:"pn"`
	MessageIndex           uint32       `json:"n"`
}

// RatchetState contains everything the Double Ratchet tracks for one channel.
// It is never persisted in the clear.
type RatchetState struct {
	RootKey                 []byte            `json:"root_key"`
	DiffieHellmanPrivate    X25519Private     `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public      `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peer_dh_pub"`
	SendChainKey            []byte            `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte            `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skipped_keys,omitempty"`
}

// Zero wipes the secret parts of the state.
func (s *RatchetState) Zero() {
	s.DiffieHellmanPrivate.Zero()
	memzero.Zero(s.RootKey)
	memzero.Zero(s.SendChainKey)
	memzero.Zero(s.ReceiveChainKey)
	for k, v := range s.SkippedKeys {
		memzero.Zero(v)
		delete(s.SkippedKeys, k)
	}
}

// OlmSession is the authoritative persisted row for one pairwise channel.
// UserID and DeviceID name the peer; SenderKey is the peer's curve25519
// identity key and ReceiverKey ours. Pickle holds the encrypted ratchet.
type OlmSession struct {
	SessionID    string
	UserID       UserID
	DeviceID     DeviceID
	SenderKey    string
	ReceiverKey  string
	Pickle       []byte
	MessageIndex uint64
	CreatedAt    int64
	LastUsedAt   int64
	ExpiresAt    int64
}

// Expired reports whether the session is past its lifetime at nowMS.
func (s OlmSession) Expired(nowMS int64) bool {
	return s.ExpiresAt > 0 && nowMS >= s.ExpiresAt
}

// Olm message types.
const (
	OlmMessageTypePreKey = 0
	OlmMessageTypeNormal = 1
)

// OlmMessage is one ciphertext addressed to a single recipient key.
type OlmMessage struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEncryptedContent is the content of an m.room.encrypted to-device event
// carrying pairwise ciphertext.
type OlmEncryptedContent struct {
	Algorithm  string                `json:"algorithm"`
	SenderKey  string                `json:"sender_key"`
	Ciphertext map[string]OlmMessage `json:"ciphertext"`
}
