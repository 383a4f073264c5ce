package domain

import "context"

// DeviceKeyStore persists device identity keys, one-time keys and fallback keys.
type DeviceKeyStore interface {
	// PutDeviceKeys replaces every key row of the device. When the curve25519
	// identity key changed, unclaimed one-time and fallback keys are dropped.
	PutDeviceKeys(ctx context.Context, keys DeviceKeys, rows []DeviceKey, nowMS int64) (identityChanged bool, err error)
	GetDevice(ctx context.Context, user UserID, device DeviceID) (Device, error)
	ListDevices(ctx context.Context, user UserID) ([]Device, error)
	DeviceExists(ctx context.Context, user UserID, device DeviceID) (bool, error)
	DeleteDevice(ctx context.Context, user UserID, device DeviceID, nowMS int64) error
	AddDeviceSignature(ctx context.Context, user UserID, device DeviceID, signer UserID, keyID, sig string) error

	AddOneTimeKeys(ctx context.Context, keys []StoredOneTimeKey) error
	PutFallbackKey(ctx context.Context, key StoredOneTimeKey) error
	CountOneTimeKeys(ctx context.Context, user UserID, device DeviceID) (map[string]int, error)
	// ClaimOneTimeKey atomically removes the oldest unclaimed one-time key, or
	// marks the newest fallback key used. ErrNotFound when neither exists.
	ClaimOneTimeKey(ctx context.Context, user UserID, device DeviceID, algorithm string) (StoredOneTimeKey, error)

	UsersChangedBetween(ctx context.Context, fromMS, toMS int64) ([]UserID, error)
}

// OlmSessionStore persists pairwise sessions.
type OlmSessionStore interface {
	SaveOlmSession(ctx context.Context, s OlmSession) error
	// UpdateOlmSession writes new ratchet state; the stored message_index
	// never decreases.
	UpdateOlmSession(ctx context.Context, s OlmSession) error
	GetOlmSession(ctx context.Context, sessionID string) (OlmSession, error)
	OlmSessionsBySenderKey(ctx context.Context, senderKey string) ([]OlmSession, error)
	DeleteOlmSession(ctx context.Context, sessionID string) error
	DeleteExpiredOlmSessions(ctx context.Context, nowMS int64) (int64, error)
}

// MegolmSessionStore persists group sessions.
type MegolmSessionStore interface {
	// CreateOutbound deactivates the room's current outbound session and
	// inserts s as the active one.
	CreateOutbound(ctx context.Context, s MegolmSession) error
	ActiveOutbound(ctx context.Context, room RoomID) (MegolmSession, error)
	SaveInbound(ctx context.Context, s MegolmSession) error
	GetInbound(ctx context.Context, room RoomID, sessionID string) (MegolmSession, error)
	// UpdateMegolmSession writes Secret and LastUsedAt and raises
	// message_index to s.MessageIndex if higher.
	UpdateMegolmSession(ctx context.Context, s MegolmSession) error
	RoomSessions(ctx context.Context, room RoomID) ([]MegolmSession, error)
	AllInbound(ctx context.Context) ([]MegolmSession, error)
	DeleteMegolmSession(ctx context.Context, sessionID string) error
}

// CrossSigningStore persists cross-signing keys and signatures.
type CrossSigningStore interface {
	CrossSigningKeys(ctx context.Context, user UserID) (map[string]StoredCrossSigningKey, error)
	// ReplaceKeys upserts keys by usage, removes the usages listed in drop,
	// deletes signatures issued by revokedKeyIDs and stores sigs, all in one
	// transaction.
	ReplaceKeys(ctx context.Context, user UserID, keys []StoredCrossSigningKey, drop []string, revokedKeyIDs []string, sigs []CrossSignature) error
	DeleteCrossSigningKeys(ctx context.Context, user UserID) error
	PutSignatures(ctx context.Context, sigs []CrossSignature) error
	Signature(ctx context.Context, signer UserID, targetUser UserID, targetKeyID string) (CrossSignature, error)
	SignaturesFor(ctx context.Context, targetUser UserID) ([]CrossSignature, error)
	// Snapshot captures user's keys and every signature they issued or
	// received; Restore puts that state back in one transaction.
	Snapshot(ctx context.Context, user UserID) (CrossSigningSnapshot, error)
	Restore(ctx context.Context, user UserID, snap CrossSigningSnapshot) error
}

// EventSignatureStore persists event signatures.
type EventSignatureStore interface {
	PutEventSignature(ctx context.Context, s EventSignature) error
	EventSignatures(ctx context.Context, eventID string) ([]EventSignature, error)
	DeleteEventSignatures(ctx context.Context, eventID string) error
}

// BackupStore persists backup versions and their key entries.
type BackupStore interface {
	CreateBackupVersion(ctx context.Context, v BackupVersion) (string, error)
	CurrentBackupVersion(ctx context.Context, user UserID) (BackupVersion, error)
	BackupVersion(ctx context.Context, user UserID, version string) (BackupVersion, error)
	UpdateBackupVersion(ctx context.Context, v BackupVersion) error
	DeleteBackupVersion(ctx context.Context, user UserID, version string) error
	// UpsertBackupKey stores e unless keep(existing, e) reports that the
	// existing entry should win.
	UpsertBackupKey(ctx context.Context, e BackupKeyEntry, keep func(existing, incoming BackupKeyEntry) bool) (bool, error)
	BackupKeys(ctx context.Context, user UserID, version string, room RoomID, sessionID string) ([]BackupKeyEntry, error)
	DeleteBackupKeys(ctx context.Context, user UserID, version string, room RoomID, sessionID string) (int64, error)
}

// SecretStorageStore persists key descriptors and stored secrets.
type SecretStorageStore interface {
	PutStorageKey(ctx context.Context, k SecretStorageKey) error
	StorageKey(ctx context.Context, user UserID, keyID string) (SecretStorageKey, error)
	StorageKeys(ctx context.Context, user UserID) ([]SecretStorageKey, error)
	DeleteStorageKey(ctx context.Context, user UserID, keyID string) error

	PutSecret(ctx context.Context, s StoredSecret) error
	Secret(ctx context.Context, user UserID, name string) (StoredSecret, error)
	Secrets(ctx context.Context, user UserID, names []string) ([]StoredSecret, error)
	DeleteSecrets(ctx context.Context, user UserID, names []string) (int64, error)
	// SecretsWithKeys lists secrets whose key descriptor currently exists.
	SecretsWithKeys(ctx context.Context, user UserID) ([]StoredSecret, error)
}

// KeyRequestStore persists room-key requests.
type KeyRequestStore interface {
	CreateKeyRequest(ctx context.Context, r KeyRequest) error
	KeyRequest(ctx context.Context, id string) (KeyRequest, error)
	// FulfillKeyRequest marks a non-terminal request fulfilled and reports
	// whether a row changed.
	FulfillKeyRequest(ctx context.Context, id string, device DeviceID, nowMS int64) (bool, error)
	CancelKeyRequest(ctx context.Context, id string) error
	PendingKeyRequests(ctx context.Context, user UserID) ([]KeyRequest, error)
	DeleteFulfilledKeyRequests(ctx context.Context, beforeMS int64) (int64, error)
	DeleteUnfulfilledKeyRequests(ctx context.Context, beforeMS int64) (int64, error)
}

// ToDeviceStore persists the to-device mailbox.
type ToDeviceStore interface {
	AddToDeviceMessage(ctx context.Context, m ToDeviceMessage) error
	ToDeviceMessages(ctx context.Context, user UserID, device DeviceID, limit int) ([]ToDeviceMessage, error)
	DeleteToDeviceMessages(ctx context.Context, user UserID, device DeviceID, ids []string) (int64, error)
}
