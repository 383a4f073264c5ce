// Package devicekeys is the registry of published device keys.
//
// Devices upload a self-signed identity key object plus signed one-time and
// fallback keys. Peers query identity keys and claim one prekey per device
// to start pairwise sessions.
package devicekeys
