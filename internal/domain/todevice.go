package domain

import "encoding/json"

// ToDeviceMessage is one queued device-to-device event.
type ToDeviceMessage struct {
	ID        string          `json:"message_id"`
	UserID    UserID          `json:"-"`
	DeviceID  DeviceID        `json:"-"`
	Sender    UserID          `json:"sender"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedTS int64           `json:"created_ts"`
}
