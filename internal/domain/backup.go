package domain

import "encoding/json"

// BackupVersion describes one server-side key backup.
type BackupVersion struct {
	UserID    UserID          `json:"-"`
	Version   string          `json:"version"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	CreatedTS int64           `json:"-"`
}

// BackupKeyEntry is one backed-up group session. SessionData is opaque
// client ciphertext.
type BackupKeyEntry struct {
	UserID            UserID          `json:"-"`
	Version           string          `json:"-"`
	RoomID            RoomID          `json:"-"`
	SessionID         string          `json:"-"`
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeyBackup groups backed-up sessions of a single room.
type RoomKeyBackup struct {
	Sessions map[string]BackupKeyEntry `json:"sessions"`
}

// KeyBackupData is the rooms → sessions tree used for bulk upload and download.
type KeyBackupData struct {
	Rooms map[RoomID]RoomKeyBackup `json:"rooms"`
}

// BackupUploadResponse reports the version state after a key upload.
type BackupUploadResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}
