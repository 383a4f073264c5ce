// Package ratchet implements the Double Ratchet used by pairwise sessions.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// changes its DH ratchet public key, both sides derive new chain keys from a new
// root derived via DH.
//
// Every message key is used at most once. A header whose index was already
// consumed on the current chain, and whose key is not held as a skipped key,
// fails with ErrReplay. Decrypt only commits state after authentication
// succeeds, so a forged or replayed message never moves the ratchet.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
