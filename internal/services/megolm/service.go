package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/metrics"
	"e2eed/internal/protocol/megolm"
	"e2eed/internal/util/keylock"
	"e2eed/internal/util/memzero"
)

const component = "megolm"

// Rotation defaults.
const (
	DefaultRotationPeriod   = 604800000 * time.Millisecond
	DefaultRotationMessages = 100
)

var errSealKeySize = errors.New("megolm: seal key must be 32 bytes")

// Identity is the local device as seen by the group session manager.
type Identity interface {
	UserID() domain.UserID
	DeviceID() domain.DeviceID
	IdentityKey() domain.X25519Public
}

// Config tunes a Service.
type Config struct {
	// SealKey encrypts session secrets at rest. Must be 32 bytes.
	SealKey          []byte
	RotationPeriod   time.Duration
	RotationMessages uint32
	// ExportWorkFactor is the age scrypt work factor for exports; 0 keeps
	// the age default.
	ExportWorkFactor int
}

// Service is the group session manager.
type Service struct {
	self   Identity
	store  domain.MegolmSessionStore
	sharer Sharer
	outbox Outbox
	clock  domain.Clock
	log    domain.Logger
	cfg    Config
	locks  keylock.Table
}

// New returns a Service. sharer and outbox may be nil when sessions are
// never shared, as in offline import and export.
func New(self Identity, store domain.MegolmSessionStore, sharer Sharer, outbox Outbox, clock domain.Clock, log domain.Logger, cfg Config) (*Service, error) {
	if len(cfg.SealKey) != crypto.AESKeySize {
		return nil, errSealKeySize
	}
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = DefaultRotationPeriod
	}
	if cfg.RotationMessages == 0 {
		cfg.RotationMessages = DefaultRotationMessages
	}
	if log == nil {
		log = domain.NopLogger{}
	}
	cfg.SealKey = append([]byte(nil), cfg.SealKey...)
	return &Service{self: self, store: store, sharer: sharer, outbox: outbox, clock: clock, log: log, cfg: cfg}, nil
}

// Close wipes the seal key.
func (s *Service) Close() { memzero.Zero(s.cfg.SealKey) }

func (s *Service) senderKey() string { return s.self.IdentityKey().String() }

// CreateOutbound starts a new outbound session for room, retiring the
// previous one. A matching inbound copy is stored so our own messages and
// key requests can be served from it.
func (s *Service) CreateOutbound(ctx context.Context, room domain.RoomID) (domain.MegolmSession, error) {
	unlock := s.locks.Lock(string(room))
	defer unlock()
	return s.createOutboundLocked(ctx, room, "manual")
}

func (s *Service) createOutboundLocked(ctx context.Context, room domain.RoomID, reason string) (sess domain.MegolmSession, err error) {
	defer func(start time.Time) { metrics.Observe(component, "create_outbound", start, err) }(time.Now())

	out, err := megolm.NewOutboundSession()
	if err != nil {
		return sess, err
	}
	defer out.Zero()

	now := s.clock.Now()
	sess = domain.MegolmSession{
		SessionID:  out.ID(),
		RoomID:     room,
		SenderKey:  s.senderKey(),
		Algorithm:  domain.AlgorithmMegolm,
		Outbound:   true,
		Active:     true,
		CreatedAt:  now.UnixMilli(),
		LastUsedAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.cfg.RotationPeriod).UnixMilli(),
	}
	if sess.Secret, err = s.sealOutbound(out); err != nil {
		return domain.MegolmSession{}, err
	}

	inbound := sess
	inbound.Outbound, inbound.Active = false, false
	if inbound.Secret, err = s.seal(inbound.SessionID, []byte(out.SessionKey())); err != nil {
		return domain.MegolmSession{}, err
	}

	if err := s.store.CreateOutbound(ctx, sess); err != nil {
		return domain.MegolmSession{}, fmt.Errorf("create outbound session: %w", err)
	}
	if err := s.store.SaveInbound(ctx, inbound); err != nil {
		return domain.MegolmSession{}, fmt.Errorf("store own inbound session: %w", err)
	}
	metrics.RecordRotation(reason)
	s.log.Info("megolm session created", "room_id", room, "session_id", sess.SessionID, "reason", reason)
	return sess, nil
}

// Outbound returns the room's live outbound session, rotating it first if
// it has reached the message or age limit.
func (s *Service) Outbound(ctx context.Context, room domain.RoomID) (domain.MegolmSession, error) {
	unlock := s.locks.Lock(string(room))
	defer unlock()
	return s.outboundLocked(ctx, room)
}

func (s *Service) outboundLocked(ctx context.Context, room domain.RoomID) (domain.MegolmSession, error) {
	sess, err := s.store.ActiveOutbound(ctx, room)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.createOutboundLocked(ctx, room, "none")
	case err != nil:
		return sess, err
	}
	if reason := s.rotationReason(sess); reason != "" {
		return s.createOutboundLocked(ctx, room, reason)
	}
	return sess, nil
}

func (s *Service) rotationReason(sess domain.MegolmSession) string {
	switch {
	case sess.MessageIndex >= s.cfg.RotationMessages:
		return "messages"
	case s.clock.Now().UnixMilli() >= sess.CreatedAt+s.cfg.RotationPeriod.Milliseconds():
		return "age"
	}
	return ""
}

// Encrypt seals an event for room with the live outbound session.
func (s *Service) Encrypt(ctx context.Context, room domain.RoomID, eventType string, content any) (enc domain.MegolmEncryptedContent, err error) {
	defer func(start time.Time) { metrics.Observe(component, "encrypt", start, err) }(time.Now())

	plain, err := json.Marshal(map[string]any{"type": eventType, "content": content, "room_id": room})
	if err != nil {
		return enc, domain.Validationf("megolm content: %v", err)
	}
	defer memzero.Zero(plain)

	unlock := s.locks.Lock(string(room))
	defer unlock()

	sess, err := s.outboundLocked(ctx, room)
	if err != nil {
		return enc, err
	}
	out, err := s.openOutbound(sess)
	if err != nil {
		return enc, err
	}
	defer out.Zero()

	ct, err := out.Encrypt(plain)
	if err != nil {
		return enc, err
	}
	if sess.Secret, err = s.sealOutbound(out); err != nil {
		return enc, err
	}
	sess.MessageIndex = out.Index()
	sess.LastUsedAt = s.clock.Now().UnixMilli()
	if err := s.store.UpdateMegolmSession(ctx, sess); err != nil {
		return enc, fmt.Errorf("advance outbound session: %w", err)
	}
	return domain.MegolmEncryptedContent{
		Algorithm:  domain.AlgorithmMegolm,
		SenderKey:  sess.SenderKey,
		Ciphertext: ct,
		SessionID:  sess.SessionID,
		DeviceID:   s.self.DeviceID(),
	}, nil
}

// AddInbound records a room key received from senderKey. An existing session
// is only replaced by one that reaches further back.
func (s *Service) AddInbound(ctx context.Context, senderKey string, key domain.RoomKeyContent) (added bool, err error) {
	defer func(start time.Time) { metrics.Observe(component, "add_inbound", start, err) }(time.Now())

	if key.Algorithm != domain.AlgorithmMegolm {
		return false, domain.Validationf("unsupported algorithm %q", key.Algorithm)
	}
	if key.RoomID == "" {
		return false, domain.Validationf("room key without room_id")
	}
	in, err := megolm.NewInboundSession(key.SessionKey)
	if err != nil {
		return false, fmt.Errorf("%w: session_key: %w", domain.ErrValidation, err)
	}
	defer in.Zero()
	if in.ID() != key.SessionID {
		return false, domain.Validationf("session_id does not match session key")
	}

	unlock := s.locks.Lock(key.SessionID)
	defer unlock()

	existing, err := s.store.GetInbound(ctx, key.RoomID, key.SessionID)
	switch {
	case err == nil:
		if existing.SenderKey != senderKey {
			return false, domain.Conflictf("session %s belongs to another sender", key.SessionID)
		}
		if old, err := s.openInbound(existing); err == nil {
			first := old.FirstKnownIndex()
			old.Zero()
			if first <= in.FirstKnownIndex() {
				return false, nil
			}
		}
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}

	now := s.clock.Now().UnixMilli()
	sess := domain.MegolmSession{
		SessionID:    key.SessionID,
		RoomID:       key.RoomID,
		SenderKey:    senderKey,
		Algorithm:    key.Algorithm,
		MessageIndex: max(existing.MessageIndex, in.FirstKnownIndex()),
		CreatedAt:    now,
		LastUsedAt:   now,
	}
	if existing.CreatedAt != 0 {
		sess.CreatedAt = existing.CreatedAt
	}
	if sess.Secret, err = s.seal(sess.SessionID, []byte(key.SessionKey)); err != nil {
		return false, err
	}
	if existing.SessionID != "" {
		err = s.store.UpdateMegolmSession(ctx, sess)
	} else {
		err = s.store.SaveInbound(ctx, sess)
	}
	if err != nil {
		return false, fmt.Errorf("save inbound session: %w", err)
	}
	s.log.Debug("inbound megolm session stored", "room_id", key.RoomID, "session_id", key.SessionID)
	return true, nil
}

// Decrypted is an opened room event.
type Decrypted struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  domain.RoomID   `json:"room_id"`
	Index   uint32          `json:"-"`
}

// Decrypt opens a room event. Indexes below the high-water mark are
// accepted; the mark itself only moves forward.
func (s *Service) Decrypt(ctx context.Context, room domain.RoomID, enc domain.MegolmEncryptedContent) (d Decrypted, err error) {
	defer func(start time.Time) { metrics.Observe(component, "decrypt", start, err) }(time.Now())

	if enc.Algorithm != domain.AlgorithmMegolm {
		return d, domain.Validationf("unsupported algorithm %q", enc.Algorithm)
	}

	unlock := s.locks.Lock(enc.SessionID)
	defer unlock()

	sess, err := s.store.GetInbound(ctx, room, enc.SessionID)
	if err != nil {
		return d, fmt.Errorf("session %s: %w", enc.SessionID, err)
	}
	if sess.SenderKey != enc.SenderKey {
		return d, domain.Validationf("sender_key does not own session %s", enc.SessionID)
	}
	in, err := s.openInbound(sess)
	if err != nil {
		return d, err
	}
	defer in.Zero()

	plain, idx, err := in.Decrypt(enc.Ciphertext)
	if err != nil {
		return d, fmt.Errorf("%w: session %s: %w", domain.ErrValidation, enc.SessionID, err)
	}
	defer memzero.Zero(plain)
	if err := json.Unmarshal(plain, &d); err != nil {
		return Decrypted{}, domain.Validationf("megolm payload: %v", err)
	}
	if d.RoomID != room {
		return Decrypted{}, domain.Validationf("event was encrypted for room %s", d.RoomID)
	}
	d.Index = idx

	if idx+1 > sess.MessageIndex {
		sess.MessageIndex = idx + 1
	}
	sess.LastUsedAt = s.clock.Now().UnixMilli()
	if err := s.store.UpdateMegolmSession(ctx, sess); err != nil {
		return Decrypted{}, fmt.Errorf("advance inbound session: %w", err)
	}
	return d, nil
}

// SessionKey exports an inbound session at its earliest known index.
func (s *Service) SessionKey(ctx context.Context, room domain.RoomID, sessionID string) (domain.ExportedSession, error) {
	sess, err := s.store.GetInbound(ctx, room, sessionID)
	if err != nil {
		return domain.ExportedSession{}, err
	}
	return s.export(sess)
}

func (s *Service) export(sess domain.MegolmSession) (domain.ExportedSession, error) {
	in, err := s.openInbound(sess)
	if err != nil {
		return domain.ExportedSession{}, err
	}
	defer in.Zero()
	key, err := in.Export(in.FirstKnownIndex())
	if err != nil {
		return domain.ExportedSession{}, err
	}
	return domain.ExportedSession{
		Algorithm:  sess.Algorithm,
		RoomID:     sess.RoomID,
		SenderKey:  sess.SenderKey,
		SessionID:  sess.SessionID,
		SessionKey: key,
	}, nil
}

// RoomSessions lists every session row of a room.
func (s *Service) RoomSessions(ctx context.Context, room domain.RoomID) ([]domain.MegolmSession, error) {
	return s.store.RoomSessions(ctx, room)
}

// Discard deletes a session in both directions.
func (s *Service) Discard(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.store.DeleteMegolmSession(ctx, sessionID)
}

func (s *Service) seal(sessionID string, plain []byte) ([]byte, error) {
	return crypto.SealAESGCM(s.cfg.SealKey, plain, []byte(sessionID))
}

func (s *Service) open(sessionID string, sealed []byte) ([]byte, error) {
	plain, err := crypto.OpenAESGCM(s.cfg.SealKey, sealed, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, domain.ErrInternal)
	}
	return plain, nil
}

func (s *Service) sealOutbound(out *megolm.OutboundSession) ([]byte, error) {
	p := out.Pickle()
	raw, err := json.Marshal(p)
	p.SigningPrivate.Zero()
	memzero.Zero32(&p.Ratchet)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	return s.seal(out.ID(), raw)
}

func (s *Service) openOutbound(sess domain.MegolmSession) (*megolm.OutboundSession, error) {
	raw, err := s.open(sess.SessionID, sess.Secret)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	var p megolm.OutboundPickle
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("outbound pickle: %w", err)
	}
	out := megolm.RestoreOutbound(p)
	p.SigningPrivate.Zero()
	memzero.Zero32(&p.Ratchet)
	return out, nil
}

func (s *Service) openInbound(sess domain.MegolmSession) (*megolm.InboundSession, error) {
	raw, err := s.open(sess.SessionID, sess.Secret)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(raw)
	return megolm.NewInboundSession(string(raw))
}
