package megolm

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"e2eed/internal/crypto"
)

const messageVersion = 3

var ErrMalformedMessage = errors.New("megolm: malformed message")

// Message is one encrypted group message.
type Message struct {
	Index      uint32
	Ciphertext []byte
	Signature  []byte
}

// signedPart is the byte string covered by the signature.
func (m Message) signedPart() []byte {
	out := make([]byte, 0, 5+len(m.Ciphertext))
	out = append(out, messageVersion)
	out = binary.BigEndian.AppendUint32(out, m.Index)
	return append(out, m.Ciphertext...)
}

// Encode renders the message as unpadded base64.
func (m Message) Encode() string {
	return crypto.B64(append(m.signedPart(), m.Signature...))
}

// ParseMessage decodes a base64 message.
func ParseMessage(s string) (Message, error) {
	raw, err := crypto.DecodeB64(s)
	if err != nil {
		return Message{}, err
	}
	if len(raw) < 5+ed25519.SignatureSize || raw[0] != messageVersion {
		return Message{}, ErrMalformedMessage
	}
	body := raw[:len(raw)-ed25519.SignatureSize]
	return Message{
		Index:      binary.BigEndian.Uint32(body[1:5]),
		Ciphertext: append([]byte(nil), body[5:]...),
		Signature:  append([]byte(nil), raw[len(body):]...),
	}, nil
}

func associatedData(sessionID string, index uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(sessionID), index)
}
