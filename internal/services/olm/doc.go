// Package olm manages pairwise encrypted channels between devices.
//
// A channel is bootstrapped from the peer's identity key and one claimed
// prekey, then driven by the Double Ratchet. Ratchet state is persisted
// encrypted under the configured pickle key, and every mutation of one
// session is serialised through a per-session lock.
package olm
