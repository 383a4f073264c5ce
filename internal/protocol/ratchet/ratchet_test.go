package ratchet_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/protocol/ratchet"
)

type sealed struct {
	h  domain.RatchetHeader
	ct []byte
}

// pair returns initiator and responder states that share a root, with the
// responder primed by the initiator's ratchet key.
func pair(t *testing.T) (a, b domain.RatchetState) {
	t.Helper()
	rk := bytes.Repeat([]byte{0x42}, 32)
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	a, err = ratchet.InitAsInitiator(rk, bPub)
	if err != nil {
		t.Fatalf("InitAsInitiator: %v", err)
	}
	b, err = ratchet.InitAsResponder(rk, bPriv, a.DiffieHellmanPublic)
	if err != nil {
		t.Fatalf("InitAsResponder: %v", err)
	}
	return a, b
}

func encrypt(t *testing.T, st *domain.RatchetState, msg string) sealed {
	t.Helper()
	h, ct, err := ratchet.Encrypt(st, []byte("ad"), []byte(msg))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return sealed{h, ct}
}

func mustDecrypt(t *testing.T, st *domain.RatchetState, m sealed, want string) {
	t.Helper()
	pt, err := ratchet.Decrypt(st, []byte("ad"), m.h, m.ct)
	if err != nil {
		t.Fatalf("Decrypt(%q): %v", want, err)
	}
	if string(pt) != want {
		t.Fatalf("got %q, want %q", pt, want)
	}
}

func TestDoubleRatchet_PingPong(t *testing.T) {
	a, b := pair(t)

	mustDecrypt(t, &b, encrypt(t, &a, "hi bob"), "hi bob")
	mustDecrypt(t, &a, encrypt(t, &b, "hi alice"), "hi alice")
	mustDecrypt(t, &b, encrypt(t, &a, "how are you"), "how are you")
	mustDecrypt(t, &b, encrypt(t, &a, "still there?"), "still there?")
	mustDecrypt(t, &a, encrypt(t, &b, "yes"), "yes")
}

func TestDoubleRatchet_OutOfOrder(t *testing.T) {
	a, b := pair(t)

	m0 := encrypt(t, &a, "zero")
	m1 := encrypt(t, &a, "one")
	m2 := encrypt(t, &a, "two")

	mustDecrypt(t, &b, m2, "two")
	mustDecrypt(t, &b, m0, "zero")
	mustDecrypt(t, &b, m1, "one")
}

func TestDoubleRatchet_ReplayRejected(t *testing.T) {
	a, b := pair(t)

	m0 := encrypt(t, &a, "zero")
	m1 := encrypt(t, &a, "one")
	mustDecrypt(t, &b, m0, "zero")
	mustDecrypt(t, &b, m1, "one")

	if _, err := ratchet.Decrypt(&b, []byte("ad"), m0.h, m0.ct); !errors.Is(err, ratchet.ErrReplay) {
		t.Fatalf("replay of in-order message: want ErrReplay, got %v", err)
	}

	m2 := encrypt(t, &a, "two")
	m3 := encrypt(t, &a, "three")
	mustDecrypt(t, &b, m3, "three")
	mustDecrypt(t, &b, m2, "two")
	if _, err := ratchet.Decrypt(&b, []byte("ad"), m2.h, m2.ct); !errors.Is(err, ratchet.ErrReplay) {
		t.Fatalf("replay of skipped message: want ErrReplay, got %v", err)
	}
}

func TestDoubleRatchet_ForgeryLeavesStateUntouched(t *testing.T) {
	a, b := pair(t)

	m0 := encrypt(t, &a, "zero")
	forged := sealed{h: m0.h, ct: append([]byte(nil), m0.ct...)}
	forged.ct[0] ^= 0xFF

	if _, err := ratchet.Decrypt(&b, []byte("ad"), forged.h, forged.ct); !errors.Is(err, crypto.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt, got %v", err)
	}
	mustDecrypt(t, &b, m0, "zero")
}

func TestDoubleRatchet_TooManySkipped(t *testing.T) {
	a, b := pair(t)

	var last sealed
	for i := 0; i <= ratchet.MaxSkip+1; i++ {
		last = encrypt(t, &a, "x")
	}
	if _, err := ratchet.Decrypt(&b, []byte("ad"), last.h, last.ct); !errors.Is(err, ratchet.ErrTooManySkipped) {
		t.Fatalf("want ErrTooManySkipped, got %v", err)
	}
}

func TestDoubleRatchet_StateSurvivesJSON(t *testing.T) {
	a, b := pair(t)

	m0 := encrypt(t, &a, "zero")
	m1 := encrypt(t, &a, "one")
	mustDecrypt(t, &b, m1, "one")

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored domain.RatchetState
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mustDecrypt(t, &restored, m0, "zero")
}
