package keyrequest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "keyrequest"

const (
	DefaultFulfilledRetention = 24 * time.Hour
	DefaultMaxAge             = 7 * 24 * time.Hour
	DefaultSweepInterval      = time.Hour
)

// Outcome describes what Fulfill did.
type Outcome string

const (
	OutcomeFulfilled        Outcome = "fulfilled"
	OutcomeAlreadyFulfilled Outcome = "already fulfilled"
	OutcomeNoResult         Outcome = "no result"
)

// FulfillResult carries the forwarded key when Outcome is OutcomeFulfilled.
type FulfillResult struct {
	Outcome  Outcome                  `json:"outcome"`
	Response *domain.KeyShareResponse `json:"response,omitempty"`
}

// Sessions exports the key of a group session this device holds.
type Sessions interface {
	SessionKey(ctx context.Context, room domain.RoomID, sessionID string) (domain.ExportedSession, error)
}

type Config struct {
	FulfilledRetention time.Duration
	MaxAge             time.Duration
	SweepInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FulfilledRetention <= 0 {
		c.FulfilledRetention = DefaultFulfilledRetention
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type Service struct {
	store    domain.KeyRequestStore
	sessions Sessions
	ids      domain.IDGenerator
	clock    domain.Clock
	log      domain.Logger
	cfg      Config

	mu      sync.RWMutex
	pending map[string]domain.KeyRequest
}

func New(store domain.KeyRequestStore, sessions Sessions, ids domain.IDGenerator, clock domain.Clock, log domain.Logger, cfg Config) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{
		store:    store,
		sessions: sessions,
		ids:      ids,
		clock:    clock,
		log:      log,
		cfg:      cfg.withDefaults(),
		pending:  make(map[string]domain.KeyRequest),
	}
}

// Create records that device of user wants the key of a room session.
func (s *Service) Create(ctx context.Context, user domain.UserID, device domain.DeviceID, room domain.RoomID, sessionID, algorithm string) (domain.KeyRequest, error) {
	return s.create(ctx, domain.KeyRequest{
		UserID: user, DeviceID: device, RoomID: room, SessionID: sessionID,
		Algorithm: algorithm, Action: domain.ActionRequest,
	})
}

// CreateShareRequest records a request relayed on behalf of another device,
// keeping the requesting device and the session's sender key.
func (s *Service) CreateShareRequest(ctx context.Context, user domain.UserID, device domain.DeviceID, room domain.RoomID, sessionID, senderKey string, requesting domain.DeviceID) (domain.KeyRequest, error) {
	if senderKey == "" || requesting == "" {
		return domain.KeyRequest{}, domain.Validationf("sender_key and requesting_device_id are required")
	}
	return s.create(ctx, domain.KeyRequest{
		UserID: user, DeviceID: device, RoomID: room, SessionID: sessionID,
		Algorithm: domain.AlgorithmMegolm, SenderKey: senderKey,
		RequestingDeviceID: requesting, Action: domain.ActionRequested,
	})
}

func (s *Service) create(ctx context.Context, r domain.KeyRequest) (_ domain.KeyRequest, err error) {
	defer func(start time.Time) { metrics.Observe(component, "create", start, err) }(time.Now())

	if r.Algorithm == "" {
		r.Algorithm = domain.AlgorithmMegolm
	}
	switch {
	case r.UserID == "" || r.DeviceID == "":
		return domain.KeyRequest{}, domain.Validationf("user_id and device_id are required")
	case r.RoomID == "" || r.SessionID == "":
		return domain.KeyRequest{}, domain.Validationf("room_id and session_id are required")
	case r.Algorithm != domain.AlgorithmMegolm:
		return domain.KeyRequest{}, domain.Validationf("unsupported algorithm %q", r.Algorithm)
	}
	r.RequestID = s.ids.NewID()
	r.CreatedTS = s.clock.Now().UnixMilli()

	if err := s.store.CreateKeyRequest(ctx, r); err != nil {
		return domain.KeyRequest{}, err
	}
	s.mu.Lock()
	s.pending[r.RequestID] = r
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SetPendingKeyRequests(n)

	s.log.Debug("key request created", "request_id", r.RequestID, "user_id", r.UserID,
		"room_id", r.RoomID, "session_id", r.SessionID)
	return r, nil
}

// Request returns a request in any state.
func (s *Service) Request(ctx context.Context, id string) (domain.KeyRequest, error) {
	return s.store.KeyRequest(ctx, id)
}

// Fulfill answers a request with the session key this device holds. A
// request without a matching session stays pending; a terminal request is
// left untouched.
func (s *Service) Fulfill(ctx context.Context, id string, device domain.DeviceID) (res FulfillResult, err error) {
	defer func(start time.Time) { metrics.Observe(component, "fulfill", start, err) }(time.Now())

	s.mu.RLock()
	r, ok := s.pending[id]
	s.mu.RUnlock()
	if !ok {
		if r, err = s.store.KeyRequest(ctx, id); err != nil {
			return res, err
		}
	}
	if r.Terminal() {
		s.forget(id)
		return FulfillResult{Outcome: OutcomeAlreadyFulfilled}, nil
	}

	exported, err := s.sessions.SessionKey(ctx, r.RoomID, r.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return FulfillResult{Outcome: OutcomeNoResult}, nil
	}
	if err != nil {
		return res, fmt.Errorf("export session %s: %w", r.SessionID, err)
	}
	if r.SenderKey != "" && r.SenderKey != exported.SenderKey {
		return FulfillResult{Outcome: OutcomeNoResult}, nil
	}

	changed, err := s.store.FulfillKeyRequest(ctx, id, device, s.clock.Now().UnixMilli())
	if err != nil {
		return res, err
	}
	s.forget(id)
	if !changed {
		return FulfillResult{Outcome: OutcomeAlreadyFulfilled}, nil
	}

	s.log.Info("key request fulfilled", "request_id", id, "device_id", device, "session_id", r.SessionID)
	return FulfillResult{
		Outcome: OutcomeFulfilled,
		Response: &domain.KeyShareResponse{
			RoomID:                       exported.RoomID,
			SessionID:                    exported.SessionID,
			SessionKey:                   exported.SessionKey,
			SenderKey:                    exported.SenderKey,
			Algorithm:                    exported.Algorithm,
			ForwardingCurve25519KeyChain: []string{},
		},
	}, nil
}

// Cancel withdraws a request. Cancelling a terminal request succeeds
// without changing it.
func (s *Service) Cancel(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "cancel", start, err) }(time.Now())

	r, err := s.store.KeyRequest(ctx, id)
	if err != nil {
		return err
	}
	if !r.Terminal() {
		if err := s.store.CancelKeyRequest(ctx, id); err != nil {
			return err
		}
	}
	s.forget(id)
	return nil
}

// Pending lists open requests from the in-memory index, oldest first. An
// empty user lists every user's.
func (s *Service) Pending(user domain.UserID) []domain.KeyRequest {
	s.mu.RLock()
	out := make([]domain.KeyRequest, 0, len(s.pending))
	for _, r := range s.pending {
		if user == "" || r.UserID == user {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// LoadPending replaces the in-memory index with the open requests in the
// store.
func (s *Service) LoadPending(ctx context.Context) error {
	open, err := s.store.PendingKeyRequests(ctx, "")
	if err != nil {
		return fmt.Errorf("load pending key requests: %w", err)
	}
	idx := make(map[string]domain.KeyRequest, len(open))
	for _, r := range open {
		idx[r.RequestID] = r
	}
	s.mu.Lock()
	s.pending = idx
	s.mu.Unlock()
	metrics.SetPendingKeyRequests(len(idx))
	s.log.Info("pending key requests loaded", "count", len(idx))
	return nil
}

// Sweep deletes terminal requests past the retention horizon and open
// requests past the maximum age.
func (s *Service) Sweep(ctx context.Context) (fulfilled, expired int64, err error) {
	defer func(start time.Time) { metrics.Observe(component, "sweep", start, err) }(time.Now())

	now := s.clock.Now()
	if fulfilled, err = s.store.DeleteFulfilledKeyRequests(ctx, now.Add(-s.cfg.FulfilledRetention).UnixMilli()); err != nil {
		return 0, 0, err
	}
	cutoff := now.Add(-s.cfg.MaxAge).UnixMilli()
	if expired, err = s.store.DeleteUnfulfilledKeyRequests(ctx, cutoff); err != nil {
		return fulfilled, 0, err
	}

	s.mu.Lock()
	for id, r := range s.pending {
		if r.CreatedTS < cutoff {
			delete(s.pending, id)
		}
	}
	n := len(s.pending)
	s.mu.Unlock()

	metrics.RecordSwept("fulfilled", fulfilled)
	metrics.RecordSwept("expired", expired)
	metrics.SetPendingKeyRequests(n)
	if fulfilled > 0 || expired > 0 {
		s.log.Info("key requests swept", "fulfilled", fulfilled, "expired", expired, "pending", n)
	}
	return fulfilled, expired, nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.log.Error("key request sweep failed", "error", err)
				continue
			}
			if n := len(s.Pending("")); n > 0 {
				s.log.Debug("key requests outstanding", "count", n)
			}
		}
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	n := len(s.pending)
	s.mu.Unlock()
	metrics.SetPendingKeyRequests(n)
}
