// Package store keeps the local account on disk.
//
// The account file is a JSON envelope whose payload is sealed with
// ChaCha20-Poly1305 under a key derived from the owner's passphrase with
// scrypt. Writes go through a temp file and rename, so a crash never leaves a
// half-written account behind.
package store
