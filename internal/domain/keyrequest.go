package domain

// KeyRequestAction is the lifecycle action recorded on a key request.
type KeyRequestAction string

const (
	ActionRequest      KeyRequestAction = "request"
	ActionCancellation KeyRequestAction = "cancellation"
	ActionRequested    KeyRequestAction = "requested"
	ActionCancelled    KeyRequestAction = "cancelled"
)

// KeyRequest asks for a room key to be shared with a device.
type KeyRequest struct {
	RequestID          string           `json:"request_id"`
	UserID             UserID           `json:"user_id"`
	DeviceID           DeviceID         `json:"device_id"`
	RoomID             RoomID           `json:"room_id"`
	SessionID          string           `json:"session_id"`
	Algorithm          string           `json:"algorithm"`
	SenderKey          string           `json:"sender_key,omitempty"`
	RequestingDeviceID DeviceID         `json:"requesting_device_id,omitempty"`
	Action             KeyRequestAction `json:"action"`
	CreatedTS          int64            `json:"created_ts"`
	Fulfilled          bool             `json:"fulfilled"`
	FulfilledByDevice  DeviceID         `json:"fulfilled_by_device,omitempty"`
	FulfilledTS        int64            `json:"fulfilled_ts,omitempty"`
}

// Terminal reports whether the request can no longer change.
func (r KeyRequest) Terminal() bool {
	return r.Fulfilled || r.Action == ActionCancelled || r.Action == ActionCancellation
}

// KeyShareResponse carries a forwarded room key.
type KeyShareResponse struct {
	RoomID                       RoomID   `json:"room_id"`
	SessionID                    string   `json:"session_id"`
	SessionKey                   string   `json:"session_key"`
	SenderKey                    string   `json:"sender_key"`
	Algorithm                    string   `json:"algorithm"`
	ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
}
