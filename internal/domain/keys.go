package domain

import (
	"encoding/base64"
	"fmt"

	"e2eed/internal/util/memzero"
)

// ------------- X25519 -------------

type X25519Private [32]byte
type X25519Public [32]byte

func (k X25519Private) Slice() []byte { return k[:] }
func (k X25519Public) Slice() []byte  { return k[:] }

// String renders the public key as unpadded base64.
func (k X25519Public) String() string { return base64.RawStdEncoding.EncodeToString(k[:]) }

// String never renders secret bytes.
func (k X25519Private) String() string   { return "X25519Private(redacted)" }
func (k X25519Private) GoString() string { return k.String() }

// Zero overwrites the secret in place.
func (k *X25519Private) Zero() { memzero.Zero32((*[32]byte)(k)) }

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// ------------- Ed25519 -------------

type Ed25519Private [64]byte
type Ed25519Public [32]byte

func (k Ed25519Private) Slice() []byte { return k[:] }
func (k Ed25519Public) Slice() []byte  { return k[:] }

func (k Ed25519Public) String() string { return base64.RawStdEncoding.EncodeToString(k[:]) }

func (k Ed25519Private) String() string   { return "Ed25519Private(redacted)" }
func (k Ed25519Private) GoString() string { return k.String() }

// Zero overwrites the secret in place.
func (k *Ed25519Private) Zero() { memzero.Zero64((*[64]byte)(k)) }

// Public returns the public half embedded in the private key.
func (k Ed25519Private) Public() Ed25519Public {
	var out Ed25519Public
	copy(out[:], k[32:])
	return out
}

func MustEd25519Public(b []byte) Ed25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("Ed25519 public: want 32 bytes, got %d", len(b)))
	}
	var out Ed25519Public
	copy(out[:], b)
	return out
}

// Fingerprint is a short, human-comparable digest of a public key.
type Fingerprint string
