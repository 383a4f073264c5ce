// Package account manages the local device account.
//
// It enforces passphrase policy, generates the curve25519 identity key and
// the ed25519 signing key, mints signed one-time and fallback keys, and
// persists everything via the domain.AccountStore.
package account
