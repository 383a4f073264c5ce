package memzero_test

import (
	"testing"

	"e2eed/internal/util/memzero"
)

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	memzero.Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped: %d", i, v)
		}
	}
	memzero.Zero(nil)
}

func TestZero32(t *testing.T) {
	var k [32]byte
	for i := range k {
		k[i] = 0xAA
	}
	memzero.Zero32(&k)
	if k != [32]byte{} {
		t.Fatalf("key not wiped")
	}
	memzero.Zero32(nil)
}
