// Package sqlite implements the domain store contracts on SQLite.
//
// Open applies the embedded migrations before returning. All access goes
// through a single connection, so multi-statement operations such as a
// one-time-key claim run inside one transaction without lock contention.
// Timestamps are epoch milliseconds.
package sqlite
