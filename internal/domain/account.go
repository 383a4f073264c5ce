package domain

// PrekeySecret is a locally held one-time or fallback key pair.
type PrekeySecret struct {
	KeyID     string        `json:"key_id"`
	Private   X25519Private `json:"private"`
	Public    X25519Public  `json:"public"`
	Published bool          `json:"published"`
	CreatedAt int64         `json:"created_at"`
}

// AccountState is the secret half of the local device: its identity keys and
// the private parts of every prekey it has handed out. It is only ever
// persisted encrypted.
type AccountState struct {
	UserID          UserID         `json:"user_id"`
	DeviceID        DeviceID       `json:"device_id"`
	IdentityPrivate X25519Private  `json:"identity_private"`
	SigningPrivate  Ed25519Private `json:"signing_private"`
	OneTimeKeys     []PrekeySecret `json:"one_time_keys"`
	FallbackKey     *PrekeySecret  `json:"fallback_key,omitempty"`
	// PreviousFallbackKey stays usable until the next rotation so pre-key
	// messages in flight during a rotation still decrypt.
	PreviousFallbackKey *PrekeySecret `json:"previous_fallback_key,omitempty"`
	NextKeyID           uint64        `json:"next_key_id"`
	CreatedAt           int64         `json:"created_at"`
}

// Zero wipes every private key held by the state.
func (s *AccountState) Zero() {
	s.IdentityPrivate.Zero()
	s.SigningPrivate.Zero()
	for i := range s.OneTimeKeys {
		s.OneTimeKeys[i].Private.Zero()
	}
	if s.FallbackKey != nil {
		s.FallbackKey.Private.Zero()
	}
	if s.PreviousFallbackKey != nil {
		s.PreviousFallbackKey.Private.Zero()
	}
}

// AccountStore persists the local account under a passphrase.
type AccountStore interface {
	SaveAccount(passphrase string, st AccountState) error
	LoadAccount(passphrase string) (AccountState, error)
	AccountExists() (bool, error)
}
