// Package megolm implements the group ratchet used to encrypt room messages
// once for many recipients.
//
// A session is a 32-byte hash ratchet plus an Ed25519 signing key. Every
// message is encrypted with AES-256-GCM under keys derived from the ratchet
// at that message's index, then signed. Receivers hold the ratchet at the
// earliest index they were given and can advance a copy to any later index,
// so out-of-order delivery decrypts, but nothing below the first known index
// ever can.
//
// Session keys travel in two binary forms, both base64 encoded:
//
//	shared (v2):   0x02 | index u32be | ratchet[32] | signing pub[32] | sig[64]
//	exported (v1): 0x01 | index u32be | ratchet[32] | signing pub[32]
//
// The shared form is signed by the session's own key; the exported form is
// what a receiver forwards on request or writes to a key export.
package megolm
