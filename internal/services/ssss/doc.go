// Package ssss is server-side secret storage. The server holds key
// descriptors and client-encrypted secret blobs; it never sees a storage key.
//
// The aes-hmac-sha2 and passphrase helpers in this package are what a
// client uses to produce those blobs and descriptors.
package ssss
