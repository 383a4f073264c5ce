// Package x3dh implements the triple/quad Diffie–Hellman agreement that
// bootstraps a pairwise ratchet between two devices.
//
// # Overview
//
// The initiator holds the responder's curve25519 identity key and one key
// claimed from the registry (a one-time key, or the fallback key once the
// one-time supply is exhausted). Both sides derive the same 32-byte root key:
//
//	DH1 = DH(IKa, Kb)
//	DH2 = DH(EKa, IKb)
//	DH3 = DH(EKa, Kb)
//	DH4 = DH(EKa, OTKb)   only when an extra one-time key is supplied
//
// The root is HKDF-SHA256 over 32 bytes of 0xFF followed by the DH outputs.
//
// # Errors
//
// Any DH against a low-order point fails with crypto.ErrLowOrderPoint; no
// partial root is ever returned.
package x3dh
