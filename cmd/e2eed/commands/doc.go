// Package commands defines the e2eed CLI.
//
// Commands
//
//   - init-config   Write a config file with fresh pickle key and JWT secret
//   - migrate       Apply, revert or inspect the database schema
//   - serve         Run the HTTP API with key request sweeping
//   - sweep         Run one key request sweep and exit
//   - token         Issue an access token for a user's device
//   - init          Create the local device account
//   - fingerprint   Print the local account's identity fingerprint
//   - publish       Generate and upload one-time and fallback keys
//   - export-keys   Write inbound group sessions to the archive
//   - import-keys   Read inbound group sessions from the archive
//
// # Passphrases
//
// Commands that unlock the local account take the passphrase from -p, then
// the E2EED_PASSPHRASE environment variable, and finally prompt on the
// terminal. Export passphrases follow the same order with
// --export-passphrase and E2EED_EXPORT_PASSPHRASE.
package commands
