package domain

import "strings"

type (
	UserID   string
	DeviceID string
	RoomID   string
)

func (u UserID) String() string   { return string(u) }
func (d DeviceID) String() string { return string(d) }
func (r RoomID) String() string   { return string(r) }

// AllDevices addresses every device of a user in to-device fan-out.
const AllDevices DeviceID = "*"

// Algorithm and key-type identifiers used on the wire.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"

	KeyTypeEd25519          = "ed25519"
	KeyTypeCurve25519       = "curve25519"
	KeyTypeSignedCurve25519 = "signed_curve25519"
)

// KeyID joins an algorithm and identifier, e.g. "ed25519:DEVICE".
func KeyID(algorithm, id string) string { return algorithm + ":" + id }

// SplitKeyID is the inverse of KeyID.
func SplitKeyID(keyID string) (algorithm, id string, ok bool) {
	algorithm, id, ok = strings.Cut(keyID, ":")
	if !ok || algorithm == "" || id == "" {
		return "", "", false
	}
	return algorithm, id, true
}
