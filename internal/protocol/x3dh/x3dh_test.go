package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/protocol/x3dh"
)

type party struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func newParty(t *testing.T) party {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return party{priv, pub}
}

func TestRootKeysMatch_TripleDH(t *testing.T) {
	alice, aliceEph := newParty(t), newParty(t)
	bob, bobClaimed := newParty(t), newParty(t)

	rkA, err := x3dh.InitiatorRootKey(alice.priv, aliceEph.priv, bob.pub, bobClaimed.pub, nil)
	if err != nil {
		t.Fatalf("InitiatorRootKey: %v", err)
	}
	rkB, err := x3dh.ResponderRootKey(bob.priv, bobClaimed.priv, nil, alice.pub, aliceEph.pub)
	if err != nil {
		t.Fatalf("ResponderRootKey: %v", err)
	}
	if !bytes.Equal(rkA, rkB) {
		t.Fatal("root keys differ (triple DH)")
	}
	if len(rkA) != 32 {
		t.Fatalf("root key length %d", len(rkA))
	}
}

func TestRootKeysMatch_QuadDH(t *testing.T) {
	alice, aliceEph := newParty(t), newParty(t)
	bob, bobClaimed, bobOTK := newParty(t), newParty(t), newParty(t)

	rkA, err := x3dh.InitiatorRootKey(alice.priv, aliceEph.priv, bob.pub, bobClaimed.pub, &bobOTK.pub)
	if err != nil {
		t.Fatalf("InitiatorRootKey: %v", err)
	}
	rkB, err := x3dh.ResponderRootKey(bob.priv, bobClaimed.priv, &bobOTK.priv, alice.pub, aliceEph.pub)
	if err != nil {
		t.Fatalf("ResponderRootKey: %v", err)
	}
	if !bytes.Equal(rkA, rkB) {
		t.Fatal("root keys differ (quad DH)")
	}

	rkTriple, err := x3dh.InitiatorRootKey(alice.priv, aliceEph.priv, bob.pub, bobClaimed.pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(rkA, rkTriple) {
		t.Fatal("extra one-time key did not change the root")
	}
}

func TestLowOrderPeerKeyFails(t *testing.T) {
	alice, aliceEph := newParty(t), newParty(t)
	bob := newParty(t)

	_, err := x3dh.InitiatorRootKey(alice.priv, aliceEph.priv, bob.pub, domain.X25519Public{}, nil)
	if !errors.Is(err, crypto.ErrLowOrderPoint) {
		t.Fatalf("want ErrLowOrderPoint, got %v", err)
	}
}
