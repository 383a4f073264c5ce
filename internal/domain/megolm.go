package domain

// MegolmSession is a persisted group session. Outbound rows hold the
// sender's ratchet and signing key; inbound rows hold the exported session
// key at the earliest known index. Secret is always sealed at rest.
type MegolmSession struct {
	SessionID    string
	RoomID       RoomID
	SenderKey    string
	Algorithm    string
	Outbound     bool
	Active       bool
	Secret       []byte
	MessageIndex uint32
	CreatedAt    int64
	LastUsedAt   int64
	ExpiresAt    int64
}

// MegolmEncryptedContent is the content of an m.room.encrypted room event.
type MegolmEncryptedContent struct {
	Algorithm  string   `json:"algorithm"`
	SenderKey  string   `json:"sender_key"`
	Ciphertext string   `json:"ciphertext"`
	SessionID  string   `json:"session_id"`
	DeviceID   DeviceID `json:"device_id,omitempty"`
}

// RoomKeyContent is the plaintext of an m.room_key share.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     RoomID `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// ExportedSession is one inbound session in a key export stream.
type ExportedSession struct {
	Algorithm  string `json:"algorithm"`
	RoomID     RoomID `json:"room_id"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// DeviceRef addresses a single device.
type DeviceRef struct {
	UserID   UserID
	DeviceID DeviceID
}
