package account

import (
	"encoding/binary"
	"fmt"
	"sync"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

// MaxOneTimeKeys caps the number of unclaimed one-time key secrets kept
// locally. The oldest are forgotten first.
const MaxOneTimeKeys = 100

// Account is an opened local account. It is safe for concurrent use.
type Account struct {
	mu       sync.Mutex
	state    domain.AccountState
	identity *crypto.ExchangeKeyPair
	signing  *crypto.SigningKeyPair
	clock    domain.Clock
	save     func(domain.AccountState) error
}

func newAccount(st domain.AccountState, clock domain.Clock, save func(domain.AccountState) error) (*Account, error) {
	identity, err := crypto.ExchangeKeyPairFromPrivate(st.IdentityPrivate)
	if err != nil {
		return nil, fmt.Errorf("restore identity key: %w", err)
	}
	return &Account{
		state:    st,
		identity: identity,
		signing:  crypto.SigningKeyPairFromPrivate(st.SigningPrivate),
		clock:    clock,
		save:     save,
	}, nil
}

func (a *Account) UserID() domain.UserID     { return a.state.UserID }
func (a *Account) DeviceID() domain.DeviceID { return a.state.DeviceID }

// IdentityKey is the curve25519 identity key.
func (a *Account) IdentityKey() domain.X25519Public { return a.identity.Public }

// SigningKey is the ed25519 device key.
func (a *Account) SigningKey() domain.Ed25519Public { return a.signing.Public }

// Fingerprint is a short digest of the identity key.
func (a *Account) Fingerprint() domain.Fingerprint {
	return domain.Fingerprint(crypto.Fingerprint(a.identity.Public.Slice()))
}

// SigningKeyID is "ed25519:<device_id>".
func (a *Account) SigningKeyID() string {
	return domain.KeyID(domain.KeyTypeEd25519, string(a.state.DeviceID))
}

// Sign returns an unpadded base64 signature over msg.
func (a *Account) Sign(msg []byte) string { return a.signing.SignB64(msg) }

// SignJSON signs the canonical form of v.
func (a *Account) SignJSON(v any) (string, error) {
	canonical, err := domain.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return a.Sign(canonical), nil
}

// IdentityPrivate returns a copy of the identity secret. The caller must
// zero it.
func (a *Account) IdentityPrivate() domain.X25519Private { return a.identity.Private() }

// DeviceKeys returns the self-signed device keys object.
func (a *Account) DeviceKeys() (domain.DeviceKeys, error) {
	dev := string(a.state.DeviceID)
	keys := domain.DeviceKeys{
		UserID:     a.state.UserID,
		DeviceID:   a.state.DeviceID,
		Algorithms: []string{domain.AlgorithmOlm, domain.AlgorithmMegolm},
		Keys: map[string]string{
			domain.KeyID(domain.KeyTypeCurve25519, dev): a.identity.Public.String(),
			domain.KeyID(domain.KeyTypeEd25519, dev):    a.signing.Public.String(),
		},
	}
	sig, err := a.SignJSON(keys)
	if err != nil {
		return domain.DeviceKeys{}, err
	}
	keys.Signatures.Add(a.state.UserID, a.SigningKeyID(), sig)
	return keys, nil
}

// GenerateOneTimeKeys mints n unpublished one-time keys.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if n <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < n; i++ {
		k, err := a.newPrekeyLocked()
		if err != nil {
			return err
		}
		a.state.OneTimeKeys = append(a.state.OneTimeKeys, k)
	}
	if extra := len(a.state.OneTimeKeys) - MaxOneTimeKeys; extra > 0 {
		for i := 0; i < extra; i++ {
			a.state.OneTimeKeys[i].Private.Zero()
		}
		a.state.OneTimeKeys = append([]domain.PrekeySecret(nil), a.state.OneTimeKeys[extra:]...)
	}
	return a.persistLocked()
}

// GenerateFallbackKey rotates the fallback key. The previous one stays
// usable until the next rotation.
func (a *Account) GenerateFallbackKey() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k, err := a.newPrekeyLocked()
	if err != nil {
		return err
	}
	if a.state.PreviousFallbackKey != nil {
		a.state.PreviousFallbackKey.Private.Zero()
	}
	a.state.PreviousFallbackKey = a.state.FallbackKey
	a.state.FallbackKey = &k
	return a.persistLocked()
}

// UnpublishedKeys returns the signed one-time and fallback keys that have
// not been uploaded yet, keyed by "signed_curve25519:<id>".
func (a *Account) UnpublishedKeys() (otks, fallback map[string]domain.OneTimeKey, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	otks = make(map[string]domain.OneTimeKey)
	for _, k := range a.state.OneTimeKeys {
		if k.Published {
			continue
		}
		signed, err := a.signPrekey(k, false)
		if err != nil {
			return nil, nil, err
		}
		otks[domain.KeyID(domain.KeyTypeSignedCurve25519, k.KeyID)] = signed
	}
	fallback = make(map[string]domain.OneTimeKey)
	if k := a.state.FallbackKey; k != nil && !k.Published {
		signed, err := a.signPrekey(*k, true)
		if err != nil {
			return nil, nil, err
		}
		fallback[domain.KeyID(domain.KeyTypeSignedCurve25519, k.KeyID)] = signed
	}
	return otks, fallback, nil
}

// UploadRequest builds a keys/upload body with the device keys and every
// unpublished prekey.
func (a *Account) UploadRequest() (domain.KeyUploadRequest, error) {
	dk, err := a.DeviceKeys()
	if err != nil {
		return domain.KeyUploadRequest{}, err
	}
	otks, fallback, err := a.UnpublishedKeys()
	if err != nil {
		return domain.KeyUploadRequest{}, err
	}
	return domain.KeyUploadRequest{DeviceKeys: &dk, OneTimeKeys: otks, FallbackKeys: fallback}, nil
}

// MarkPublished flags every current prekey as uploaded.
func (a *Account) MarkPublished() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.state.OneTimeKeys {
		a.state.OneTimeKeys[i].Published = true
	}
	if a.state.FallbackKey != nil {
		a.state.FallbackKey.Published = true
	}
	return a.persistLocked()
}

// PrekeyPrivate finds the secret for a one-time or fallback public key.
// The returned copy must be zeroed by the caller.
func (a *Account) PrekeyPrivate(pub domain.X25519Public) (priv domain.X25519Private, fallback bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, k := range a.state.OneTimeKeys {
		if k.Public == pub {
			return k.Private, false, true
		}
	}
	for _, k := range []*domain.PrekeySecret{a.state.FallbackKey, a.state.PreviousFallbackKey} {
		if k != nil && k.Public == pub {
			return k.Private, true, true
		}
	}
	return priv, false, false
}

// RemoveOneTimeKey forgets a consumed one-time key. Fallback keys are never
// removed this way.
func (a *Account) RemoveOneTimeKey(pub domain.X25519Public) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, k := range a.state.OneTimeKeys {
		if k.Public != pub {
			continue
		}
		a.state.OneTimeKeys[i].Private.Zero()
		a.state.OneTimeKeys = append(a.state.OneTimeKeys[:i], a.state.OneTimeKeys[i+1:]...)
		return true, a.persistLocked()
	}
	return false, nil
}

// OneTimeKeyCount is the number of unclaimed one-time key secrets held.
func (a *Account) OneTimeKeyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.state.OneTimeKeys)
}

// Zero wipes the secrets held in memory.
func (a *Account) Zero() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity.Zero()
	a.signing.Zero()
	a.state.Zero()
}

func (a *Account) newPrekeyLocked() (domain.PrekeySecret, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PrekeySecret{}, err
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(a.state.NextKeyID))
	a.state.NextKeyID++
	return domain.PrekeySecret{
		KeyID:     crypto.B64(id[:]),
		Private:   priv,
		Public:    pub,
		CreatedAt: a.clock.Now().UnixMilli(),
	}, nil
}

func (a *Account) signPrekey(k domain.PrekeySecret, fallback bool) (domain.OneTimeKey, error) {
	otk := domain.OneTimeKey{Key: k.Public.String(), Fallback: fallback}
	sig, err := a.SignJSON(otk)
	if err != nil {
		return domain.OneTimeKey{}, err
	}
	otk.Signatures.Add(a.state.UserID, a.SigningKeyID(), sig)
	return otk, nil
}

func (a *Account) persistLocked() error {
	if a.save == nil {
		return nil
	}
	return a.save(a.state)
}
