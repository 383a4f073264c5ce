// Package backup stores versioned, client-encrypted backups of group
// session keys. The server never sees the session keys themselves; it keeps
// the opaque session_data and decides which copy of a session to retain.
package backup
