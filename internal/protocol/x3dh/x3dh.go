package x3dh

import (
	"bytes"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/util/memzero"
)

var rootInfo = []byte("e2eed-olm-root")

// InitiatorRootKey derives the root key for the side that claimed a key.
func InitiatorRootKey(
	ourIdentity domain.X25519Private,
	ourEphemeral domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerClaimed domain.X25519Public,
	peerOneTime *domain.X25519Public,
) ([]byte, error) {
	pairs := []dhPair{
		{ourIdentity, peerClaimed},
		{ourEphemeral, peerIdentity},
		{ourEphemeral, peerClaimed},
	}
	if peerOneTime != nil {
		pairs = append(pairs, dhPair{ourEphemeral, *peerOneTime})
	}
	return derive(pairs)
}

// ResponderRootKey derives the same root key on the side whose key was claimed.
func ResponderRootKey(
	ourIdentity domain.X25519Private,
	ourClaimed domain.X25519Private,
	ourOneTime *domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerEphemeral domain.X25519Public,
) ([]byte, error) {
	pairs := []dhPair{
		{ourClaimed, peerIdentity},
		{ourIdentity, peerEphemeral},
		{ourClaimed, peerEphemeral},
	}
	if ourOneTime != nil {
		pairs = append(pairs, dhPair{*ourOneTime, peerEphemeral})
	}
	return derive(pairs)
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func derive(pairs []dhPair) ([]byte, error) {
	ikm := make([]byte, 0, 32*(len(pairs)+1))
	ikm = append(ikm, bytes.Repeat([]byte{0xFF}, 32)...)
	defer func() { memzero.Zero(ikm) }()

	for _, p := range pairs {
		shared, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, shared[:]...)
		memzero.Zero32(&shared)
	}
	return crypto.HKDF(ikm, nil, rootInfo, 32)
}
