package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"e2eed/internal/domain"
	"e2eed/internal/metrics"
)

const component = "backup"

type Service struct {
	store domain.BackupStore
	clock domain.Clock
	log   domain.Logger
}

func New(store domain.BackupStore, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, clock: clock, log: log}
}

// CreateVersion starts a new backup version, which becomes the user's
// current one.
func (s *Service) CreateVersion(ctx context.Context, user domain.UserID, algorithm string, authData json.RawMessage) (version string, err error) {
	defer func(start time.Time) { metrics.Observe(component, "create_version", start, err) }(time.Now())

	if err := validateVersion(algorithm, authData); err != nil {
		return "", err
	}
	version, err = s.store.CreateBackupVersion(ctx, domain.BackupVersion{
		UserID:    user,
		Algorithm: algorithm,
		AuthData:  authData,
		CreatedTS: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("create backup version: %w", err)
	}
	s.log.Info("backup version created", "user_id", user, "version", version, "algorithm", algorithm)
	return version, nil
}

// Version returns a backup version, or the current one when version is empty.
func (s *Service) Version(ctx context.Context, user domain.UserID, version string) (domain.BackupVersion, error) {
	if version == "" {
		return s.store.CurrentBackupVersion(ctx, user)
	}
	return s.store.BackupVersion(ctx, user, version)
}

// UpdateAuthData replaces the auth_data of an existing version. The
// algorithm cannot change.
func (s *Service) UpdateAuthData(ctx context.Context, user domain.UserID, version, algorithm string, authData json.RawMessage) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "update_version", start, err) }(time.Now())

	if err := validateVersion(algorithm, authData); err != nil {
		return err
	}
	cur, err := s.store.BackupVersion(ctx, user, version)
	if err != nil {
		return err
	}
	if cur.Algorithm != algorithm {
		return domain.Validationf("algorithm of backup version %s cannot change", version)
	}
	cur.AuthData = authData
	return s.store.UpdateBackupVersion(ctx, cur)
}

// DeleteVersion removes a version and every key stored under it.
func (s *Service) DeleteVersion(ctx context.Context, user domain.UserID, version string) (err error) {
	defer func(start time.Time) { metrics.Observe(component, "delete_version", start, err) }(time.Now())

	if err := s.store.DeleteBackupVersion(ctx, user, version); err != nil {
		return fmt.Errorf("delete backup version %s: %w", version, err)
	}
	s.log.Info("backup version deleted", "user_id", user, "version", version)
	return nil
}

// UploadKeys stores every session in data under version, which must be the
// user's current version.
func (s *Service) UploadKeys(ctx context.Context, user domain.UserID, version string, data domain.KeyBackupData) (resp domain.BackupUploadResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "upload_keys", start, err) }(time.Now())

	for room, rk := range data.Rooms {
		for sid, e := range rk.Sessions {
			if err := validateEntry(room, sid, e); err != nil {
				return resp, err
			}
		}
	}
	if err := s.requireCurrent(ctx, user, version); err != nil {
		return resp, err
	}

	var stored int
	for _, room := range sortedRooms(data.Rooms) {
		for sid, e := range data.Rooms[room].Sessions {
			e.UserID, e.Version, e.RoomID, e.SessionID = user, version, room, sid
			ok, err := s.store.UpsertBackupKey(ctx, e, keepExisting)
			if err != nil {
				return resp, fmt.Errorf("store backup key %s/%s: %w", room, sid, err)
			}
			if ok {
				stored++
			}
		}
	}
	s.log.Debug("backup keys uploaded", "user_id", user, "version", version, "stored", stored)
	return s.state(ctx, user, version)
}

// UploadKey stores a single session.
func (s *Service) UploadKey(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string, e domain.BackupKeyEntry) (domain.BackupUploadResponse, error) {
	return s.UploadKeys(ctx, user, version, domain.KeyBackupData{Rooms: map[domain.RoomID]domain.RoomKeyBackup{
		room: {Sessions: map[string]domain.BackupKeyEntry{sessionID: e}},
	}})
}

// Keys returns the stored sessions of version. An empty room selects every
// room; an empty sessionID selects every session of the room.
func (s *Service) Keys(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string) (domain.KeyBackupData, error) {
	if _, err := s.store.BackupVersion(ctx, user, version); err != nil {
		return domain.KeyBackupData{}, err
	}
	entries, err := s.store.BackupKeys(ctx, user, version, room, sessionID)
	if err != nil {
		return domain.KeyBackupData{}, err
	}
	out := domain.KeyBackupData{Rooms: make(map[domain.RoomID]domain.RoomKeyBackup)}
	for _, e := range entries {
		rk, ok := out.Rooms[e.RoomID]
		if !ok {
			rk = domain.RoomKeyBackup{Sessions: make(map[string]domain.BackupKeyEntry)}
			out.Rooms[e.RoomID] = rk
		}
		rk.Sessions[e.SessionID] = e
	}
	return out, nil
}

// Session returns one stored session.
func (s *Service) Session(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string) (domain.BackupKeyEntry, error) {
	data, err := s.Keys(ctx, user, version, room, sessionID)
	if err != nil {
		return domain.BackupKeyEntry{}, err
	}
	e, ok := data.Rooms[room].Sessions[sessionID]
	if !ok {
		return domain.BackupKeyEntry{}, domain.NotFoundf("no backup of session %s in %s", sessionID, room)
	}
	return e, nil
}

// DeleteKeys removes stored sessions with the same selection rules as Keys.
func (s *Service) DeleteKeys(ctx context.Context, user domain.UserID, version string, room domain.RoomID, sessionID string) (resp domain.BackupUploadResponse, err error) {
	defer func(start time.Time) { metrics.Observe(component, "delete_keys", start, err) }(time.Now())

	if _, err := s.store.BackupVersion(ctx, user, version); err != nil {
		return resp, err
	}
	n, err := s.store.DeleteBackupKeys(ctx, user, version, room, sessionID)
	if err != nil {
		return resp, err
	}
	s.log.Debug("backup keys deleted", "user_id", user, "version", version, "deleted", n)
	return s.state(ctx, user, version)
}

func (s *Service) requireCurrent(ctx context.Context, user domain.UserID, version string) error {
	if _, err := s.store.BackupVersion(ctx, user, version); err != nil {
		return err
	}
	cur, err := s.store.CurrentBackupVersion(ctx, user)
	if err != nil {
		return err
	}
	if cur.Version != version {
		return domain.Conflictf("backup version %s is not the current version %s", version, cur.Version)
	}
	return nil
}

func (s *Service) state(ctx context.Context, user domain.UserID, version string) (domain.BackupUploadResponse, error) {
	v, err := s.store.BackupVersion(ctx, user, version)
	if err != nil {
		return domain.BackupUploadResponse{}, err
	}
	return domain.BackupUploadResponse{Count: v.Count, ETag: v.ETag}, nil
}

// keepExisting reports whether the stored copy of a session is at least as
// useful as the incoming one: verified beats unverified, then the earlier
// first index, then the shorter forwarding chain.
func keepExisting(existing, incoming domain.BackupKeyEntry) bool {
	if existing.IsVerified != incoming.IsVerified {
		return existing.IsVerified
	}
	if existing.FirstMessageIndex != incoming.FirstMessageIndex {
		return existing.FirstMessageIndex < incoming.FirstMessageIndex
	}
	return existing.ForwardedCount <= incoming.ForwardedCount
}

func validateVersion(algorithm string, authData json.RawMessage) error {
	if algorithm == "" {
		return domain.Validationf("algorithm is required")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(authData, &obj); err != nil || obj == nil {
		return domain.Validationf("auth_data must be a JSON object")
	}
	return nil
}

func validateEntry(room domain.RoomID, sessionID string, e domain.BackupKeyEntry) error {
	switch {
	case room == "" || sessionID == "":
		return domain.Validationf("room_id and session_id are required")
	case e.FirstMessageIndex < 0 || e.ForwardedCount < 0:
		return domain.Validationf("negative index in backup of session %s", sessionID)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.SessionData, &obj); err != nil || obj == nil {
		return domain.Validationf("session_data of %s must be a JSON object", sessionID)
	}
	return nil
}

func sortedRooms(m map[domain.RoomID]domain.RoomKeyBackup) []domain.RoomID {
	out := make([]domain.RoomID, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
