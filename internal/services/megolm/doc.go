// Package megolm manages group sessions for encrypted rooms.
//
// The local device holds at most one active outbound session per room and
// rotates it after a configured number of messages or age. Inbound sessions
// arrive as m.room_key shares or from an import, keep the earliest ratchet
// they were given, and track a forward-only high-water mark.
package megolm
