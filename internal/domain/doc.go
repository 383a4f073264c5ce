// Package domain defines the data model shared by every E2EE component:
// key material types, persisted rows, wire bodies, the error taxonomy and
// the storage contracts the services are written against.
//
// It contains plain types and interfaces only. Cryptographic operations
// live in internal/crypto and the protocol packages.
package domain
