package olm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
	"e2eed/internal/protocol/ratchet"
	"e2eed/internal/protocol/x3dh"
	"e2eed/internal/services/account"
	"e2eed/internal/services/devicekeys"
	"e2eed/internal/util/keylock"
	"e2eed/internal/util/memzero"
)

const component = "olm"

// DefaultLifetime is how long a session is used for new encryption.
const DefaultLifetime = 7 * 24 * time.Hour

var (
	// ErrNoMatchingSession means no stored session could open a normal message.
	ErrNoMatchingSession = errors.New("olm: no session decrypts this message")
	// ErrNotForUs means the ciphertext map has no entry for our identity key.
	ErrNotForUs = errors.New("olm: message not encrypted for this device")
)

// Directory is the view of the device key registry a Manager needs.
type Directory interface {
	Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, error)
	Claim(ctx context.Context, req domain.KeyClaimRequest) (domain.KeyClaimResponse, error)
}

// Config tunes a Manager.
type Config struct {
	// PickleKey encrypts ratchet state at rest. Must be 32 bytes.
	PickleKey []byte
	// Lifetime bounds how long a session is picked for new encryption.
	Lifetime time.Duration
}

// Manager owns the pairwise sessions of the local account.
type Manager struct {
	account  *account.Account
	dir      Directory
	store    domain.OlmSessionStore
	pickler  *pickler
	lifetime time.Duration
	clock    domain.Clock
	log      domain.Logger
	locks    keylock.Table
}

// New returns a Manager for acct.
func New(acct *account.Account, dir Directory, store domain.OlmSessionStore, clock domain.Clock, log domain.Logger, cfg Config) (*Manager, error) {
	p, err := newPickler(cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Manager{
		account:  acct,
		dir:      dir,
		store:    store,
		pickler:  p,
		lifetime: cfg.Lifetime,
		clock:    clock,
		log:      log,
	}, nil
}

// Close wipes the pickle key.
func (m *Manager) Close() { m.pickler.zero() }

// EstablishOutbound claims a prekey of the peer device and records a new
// session with message_index 0.
func (m *Manager) EstablishOutbound(ctx context.Context, user domain.UserID, device domain.DeviceID) (sess domain.OlmSession, err error) {
	defer func(start time.Time) { metrics.Observe(component, "establish", start, err) }(time.Now())

	dev, err := m.dir.Device(ctx, user, device)
	if err != nil {
		return sess, fmt.Errorf("look up %s/%s: %w", user, device, err)
	}
	signingKey := dev.Keys.SigningKey()
	if err := devicekeys.VerifySigned(dev.Keys, dev.Keys.Signatures, user, domain.KeyID(domain.KeyTypeEd25519, string(device)), signingKey); err != nil {
		return sess, fmt.Errorf("device keys of %s/%s: %w", user, device, err)
	}
	peerIdentity, err := crypto.ParseX25519Public(dev.Keys.IdentityKey())
	if err != nil {
		return sess, fmt.Errorf("identity key of %s/%s: %w", user, device, err)
	}

	claimed, err := m.dir.Claim(ctx, domain.KeyClaimRequest{
		OneTimeKeys: map[domain.UserID]map[domain.DeviceID]string{user: {device: domain.KeyTypeSignedCurve25519}},
	})
	if err != nil {
		return sess, fmt.Errorf("claim key for %s/%s: %w", user, device, err)
	}
	if reason, failed := claimed.Failures[user][device]; failed {
		return sess, domain.NotFoundf("claim key for %s/%s: %s", user, device, reason)
	}
	var keyID string
	var otk domain.OneTimeKey
	for id, k := range claimed.OneTimeKeys[user][device] {
		keyID, otk = id, k
	}
	if keyID == "" {
		return sess, domain.NotFoundf("claim key for %s/%s: empty response", user, device)
	}
	if err := devicekeys.VerifySigned(otk, otk.Signatures, user, domain.KeyID(domain.KeyTypeEd25519, string(device)), signingKey); err != nil {
		return sess, fmt.Errorf("claimed key %s: %w", keyID, err)
	}
	peerKey, err := crypto.ParseX25519Public(otk.Key)
	if err != nil {
		return sess, fmt.Errorf("claimed key %s: %w", keyID, err)
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return sess, err
	}
	defer ephPriv.Zero()

	ourIdentity := m.account.IdentityPrivate()
	defer ourIdentity.Zero()
	root, err := x3dh.InitiatorRootKey(ourIdentity, ephPriv, peerIdentity, peerKey, nil)
	if err != nil {
		return sess, err
	}
	defer memzero.Zero(root)

	rs, err := ratchet.InitAsInitiator(root, peerIdentity)
	if err != nil {
		return sess, err
	}
	ourKey := m.account.IdentityKey().String()
	st := &sessionState{
		Ratchet: rs,
		AD:      associatedData(ourKey, peerIdentity.String()),
		PreKey: &preKeyInfo{
			IdentityKey: ourKey,
			BaseKey:     ephPub.String(),
			KeyID:       keyID,
			Key:         otk.Key,
		},
	}
	defer st.zero()

	now := m.clock.Now()
	sess = domain.OlmSession{
		SessionID:   ephPub.String(),
		UserID:      user,
		DeviceID:    device,
		SenderKey:   peerIdentity.String(),
		ReceiverKey: ourKey,
		CreatedAt:   now.UnixMilli(),
		LastUsedAt:  now.UnixMilli(),
		ExpiresAt:   now.Add(m.lifetime).UnixMilli(),
	}
	if sess.Pickle, err = m.pickler.seal(sess.SessionID, st); err != nil {
		return domain.OlmSession{}, err
	}
	if err := m.store.SaveOlmSession(ctx, sess); err != nil {
		return domain.OlmSession{}, fmt.Errorf("save olm session: %w", err)
	}
	m.log.Info("olm session established",
		"user_id", user, "device_id", device, "session_id", sess.SessionID,
		"peer", crypto.Fingerprint(peerIdentity.Slice()))
	return sess, nil
}

// Encrypt seals plaintext for the peer device on its most recently used
// live session, establishing one when none exists.
func (m *Manager) Encrypt(ctx context.Context, user domain.UserID, device domain.DeviceID, plaintext []byte) (msg domain.OlmMessage, peerKey string, err error) {
	defer func(start time.Time) { metrics.Observe(component, "encrypt", start, err) }(time.Now())

	dev, err := m.dir.Device(ctx, user, device)
	if err != nil {
		return msg, "", fmt.Errorf("look up %s/%s: %w", user, device, err)
	}
	peerKey = dev.Keys.IdentityKey()

	sessionID, err := m.sessionFor(ctx, user, device, peerKey)
	if err != nil {
		return msg, "", err
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetOlmSession(ctx, sessionID)
	if err != nil {
		return msg, "", err
	}
	st, err := m.pickler.open(sess.SessionID, sess.Pickle)
	if err != nil {
		return msg, "", err
	}
	defer st.zero()

	header, ct, err := ratchet.Encrypt(&st.Ratchet, st.AD, plaintext)
	if err != nil {
		return msg, "", err
	}
	msg, err = encodeEnvelope(envelope{PreKey: st.PreKey, Header: header, Ciphertext: ct})
	if err != nil {
		return msg, "", err
	}
	if err := m.persist(ctx, &sess, st); err != nil {
		return domain.OlmMessage{}, "", err
	}
	return msg, peerKey, nil
}

// EncryptFor wraps an event in a Payload and encrypts it for one device,
// returning the content of an m.room.encrypted to-device event.
func (m *Manager) EncryptFor(ctx context.Context, user domain.UserID, device domain.DeviceID, eventType string, content any) (domain.OlmEncryptedContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return domain.OlmEncryptedContent{}, domain.Validationf("olm content: %v", err)
	}
	dev, err := m.dir.Device(ctx, user, device)
	if err != nil {
		return domain.OlmEncryptedContent{}, fmt.Errorf("look up %s/%s: %w", user, device, err)
	}
	payload := Payload{
		Type:          eventType,
		Content:       raw,
		Sender:        m.account.UserID(),
		SenderDevice:  m.account.DeviceID(),
		Keys:          map[string]string{domain.KeyTypeEd25519: m.account.SigningKey().String()},
		Recipient:     user,
		RecipientKeys: map[string]string{domain.KeyTypeEd25519: dev.Keys.SigningKey()},
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	defer memzero.Zero(plain)

	msg, peerKey, err := m.Encrypt(ctx, user, device, plain)
	if err != nil {
		return domain.OlmEncryptedContent{}, err
	}
	return domain.OlmEncryptedContent{
		Algorithm:  domain.AlgorithmOlm,
		SenderKey:  m.account.IdentityKey().String(),
		Ciphertext: map[string]domain.OlmMessage{peerKey: msg},
	}, nil
}

// Decrypt opens an m.room.encrypted to-device event sent by sender. A
// pre-key message for an unknown session creates the inbound session and
// consumes the one-time key it was built on.
func (m *Manager) Decrypt(ctx context.Context, sender domain.UserID, content domain.OlmEncryptedContent) (p Payload, err error) {
	defer func(start time.Time) { metrics.Observe(component, "decrypt", start, err) }(time.Now())

	if content.Algorithm != domain.AlgorithmOlm {
		return p, domain.Validationf("unsupported algorithm %q", content.Algorithm)
	}
	if _, err := crypto.ParseX25519Public(content.SenderKey); err != nil {
		return p, fmt.Errorf("sender_key: %w", err)
	}
	msg, ok := content.Ciphertext[m.account.IdentityKey().String()]
	if !ok {
		return p, ErrNotForUs
	}
	env, err := decodeEnvelope(msg)
	if err != nil {
		return p, err
	}

	var plain []byte
	if env.PreKey != nil {
		plain, err = m.decryptPreKey(ctx, sender, content.SenderKey, env)
	} else {
		plain, err = m.decryptNormal(ctx, content.SenderKey, env)
	}
	if err != nil {
		return p, err
	}
	defer memzero.Zero(plain)

	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, domain.Validationf("olm payload: %v", err)
	}
	if p.Sender != sender {
		return Payload{}, domain.Validationf("payload sender %s does not match %s", p.Sender, sender)
	}
	if p.Recipient != m.account.UserID() || p.RecipientKeys[domain.KeyTypeEd25519] != m.account.SigningKey().String() {
		return Payload{}, ErrNotForUs
	}
	return p, nil
}

func (m *Manager) decryptPreKey(ctx context.Context, sender domain.UserID, senderKey string, env envelope) ([]byte, error) {
	if env.PreKey.IdentityKey != senderKey {
		return nil, domain.Validationf("pre-key identity does not match sender_key")
	}
	sessionID := env.PreKey.BaseKey
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetOlmSession(ctx, sessionID)
	switch {
	case err == nil:
		return m.decryptWith(ctx, &sess, env)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	baseKey, err := crypto.ParseX25519Public(env.PreKey.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("base_key: %w", err)
	}
	peerIdentity, err := crypto.ParseX25519Public(env.PreKey.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity_key: %w", err)
	}
	claimedPub, err := crypto.ParseX25519Public(env.PreKey.Key)
	if err != nil {
		return nil, fmt.Errorf("one_time_key: %w", err)
	}
	claimedPriv, fallback, ok := m.account.PrekeyPrivate(claimedPub)
	if !ok {
		return nil, domain.NotFoundf("prekey %s is not held by this device", env.PreKey.KeyID)
	}
	defer claimedPriv.Zero()

	ourIdentity := m.account.IdentityPrivate()
	defer ourIdentity.Zero()
	root, err := x3dh.ResponderRootKey(ourIdentity, claimedPriv, nil, peerIdentity, baseKey)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(root)

	rs, err := ratchet.InitAsResponder(root, ourIdentity, env.Header.DiffieHellmanPublicKey)
	if err != nil {
		return nil, err
	}
	st := &sessionState{
		Ratchet: rs,
		AD:      associatedData(env.PreKey.IdentityKey, m.account.IdentityKey().String()),
	}
	defer st.zero()

	plain, err := ratchet.Decrypt(&st.Ratchet, st.AD, env.Header, env.Ciphertext)
	if err != nil {
		return nil, err
	}

	var head struct {
		Sender       domain.UserID   `json:"sender"`
		SenderDevice domain.DeviceID `json:"sender_device"`
	}
	if err := json.Unmarshal(plain, &head); err != nil || head.Sender != sender {
		memzero.Zero(plain)
		return nil, domain.Validationf("pre-key payload is not from %s", sender)
	}

	now := m.clock.Now()
	sess = domain.OlmSession{
		SessionID:    sessionID,
		UserID:       sender,
		DeviceID:     head.SenderDevice,
		SenderKey:    senderKey,
		ReceiverKey:  m.account.IdentityKey().String(),
		MessageIndex: 1,
		CreatedAt:    now.UnixMilli(),
		LastUsedAt:   now.UnixMilli(),
		ExpiresAt:    now.Add(m.lifetime).UnixMilli(),
	}
	if sess.Pickle, err = m.pickler.seal(sessionID, st); err != nil {
		memzero.Zero(plain)
		return nil, err
	}
	if err := m.store.SaveOlmSession(ctx, sess); err != nil {
		memzero.Zero(plain)
		return nil, fmt.Errorf("save olm session: %w", err)
	}
	if !fallback {
		if _, err := m.account.RemoveOneTimeKey(claimedPub); err != nil {
			m.log.Error("remove used one-time key", "key_id", env.PreKey.KeyID, "error", err)
		}
	}
	m.log.Info("inbound olm session created", "user_id", sender, "session_id", sessionID, "fallback", fallback)
	return plain, nil
}

func (m *Manager) decryptNormal(ctx context.Context, senderKey string, env envelope) ([]byte, error) {
	candidates, err := m.store.OlmSessionsBySenderKey(ctx, senderKey)
	if err != nil {
		return nil, err
	}
	var replay error
	for _, c := range candidates {
		plain, err := m.tryDecrypt(ctx, c.SessionID, env)
		if err == nil {
			return plain, nil
		}
		if errors.Is(err, ratchet.ErrReplay) {
			replay = err
		}
	}
	if replay != nil {
		return nil, replay
	}
	return nil, ErrNoMatchingSession
}

func (m *Manager) tryDecrypt(ctx context.Context, sessionID string, env envelope) ([]byte, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetOlmSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.decryptWith(ctx, &sess, env)
}

// decryptWith must be called with the session lock held.
func (m *Manager) decryptWith(ctx context.Context, sess *domain.OlmSession, env envelope) ([]byte, error) {
	st, err := m.pickler.open(sess.SessionID, sess.Pickle)
	if err != nil {
		return nil, err
	}
	defer st.zero()

	plain, err := ratchet.Decrypt(&st.Ratchet, st.AD, env.Header, env.Ciphertext)
	if err != nil {
		return nil, err
	}
	st.PreKey = nil
	if err := m.persist(ctx, sess, st); err != nil {
		memzero.Zero(plain)
		return nil, err
	}
	return plain, nil
}

// persist must be called with the session lock held.
func (m *Manager) persist(ctx context.Context, sess *domain.OlmSession, st *sessionState) error {
	pickle, err := m.pickler.seal(sess.SessionID, st)
	if err != nil {
		return err
	}
	sess.Pickle = pickle
	sess.MessageIndex++
	sess.LastUsedAt = m.clock.Now().UnixMilli()
	if err := m.store.UpdateOlmSession(ctx, *sess); err != nil {
		return fmt.Errorf("update olm session %s: %w", sess.SessionID, err)
	}
	return nil
}

// sessionFor returns a live session to peerKey, establishing one if needed.
// Establishment is serialised per peer so concurrent senders share a claim.
func (m *Manager) sessionFor(ctx context.Context, user domain.UserID, device domain.DeviceID, peerKey string) (string, error) {
	unlock := m.locks.Lock("peer:" + peerKey)
	defer unlock()

	id, err := m.liveSession(ctx, peerKey)
	if err != nil || id != "" {
		return id, err
	}
	sess, err := m.EstablishOutbound(ctx, user, device)
	if err != nil {
		return "", err
	}
	return sess.SessionID, nil
}

// liveSession picks the most recently used unexpired session to peerKey.
func (m *Manager) liveSession(ctx context.Context, peerKey string) (string, error) {
	sessions, err := m.store.OlmSessionsBySenderKey(ctx, peerKey)
	if err != nil {
		return "", err
	}
	now := m.clock.Now().UnixMilli()
	for _, s := range sessions {
		if !s.Expired(now) {
			return s.SessionID, nil
		}
	}
	return "", nil
}

// SessionsFor lists the channels to the device owning senderKey.
func (m *Manager) SessionsFor(ctx context.Context, senderKey string) ([]domain.OlmSession, error) {
	return m.store.OlmSessionsBySenderKey(ctx, senderKey)
}

// ClearExpired removes sessions past their expiry.
func (m *Manager) ClearExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredOlmSessions(ctx, m.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("clear expired olm sessions: %w", err)
	}
	if n > 0 {
		m.log.Info("expired olm sessions removed", "count", n)
	}
	return n, nil
}
