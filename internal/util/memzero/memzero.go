// Package memzero overwrites secret buffers on a best-effort basis.
package memzero

import (
	"crypto/subtle"
	"runtime"
)

// Zero overwrites b with zeros in a constant-time friendly way.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(b)
}

// Zero32 wipes a fixed-size key in place.
func Zero32(k *[32]byte) {
	if k == nil {
		return
	}
	Zero(k[:])
}

// Zero64 wipes a 64-byte key (Ed25519 private keys) in place.
func Zero64(k *[64]byte) {
	if k == nil {
		return
	}
	Zero(k[:])
}
