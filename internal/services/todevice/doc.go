// Package todevice is the per-device mailbox that carries key shares, key
// requests and pairwise ciphertext between devices.
package todevice
