// Package crosssign maintains each user's master, self-signing and
// user-signing keys and the signatures issued with them.
//
// Trust reaches one hop: a device signed by its owner's self-signing key is
// trusted by that owner, and a master key signed by another user's
// user-signing key is trusted by that user. Verification always re-reads the
// signer's current key, so a replaced or deleted key stops vouching for
// anything it signed.
package crosssign
