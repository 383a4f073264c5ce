package api

import (
	"encoding/json"
	"net/http"

	"e2eed/internal/domain"
)

type backupVersionBody struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	// Version is optional on update; when present it must match the path.
	Version string `json:"version,omitempty"`
}

func (s *Server) createBackupVersion(w http.ResponseWriter, r *http.Request) {
	var body backupVersionBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	version, err := s.svc.Backup.CreateVersion(r.Context(), caller(r).UserID, body.Algorithm, body.AuthData)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) getBackupVersion(w http.ResponseWriter, r *http.Request) {
	version, err := pathParam(r, "version")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	v, err := s.svc.Backup.Version(r.Context(), caller(r).UserID, version)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) updateBackupVersion(w http.ResponseWriter, r *http.Request) {
	version, err := pathParam(r, "version")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var body backupVersionBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.Version != "" && body.Version != version {
		s.respondError(w, r, invalidParam("version in body does not match path"))
		return
	}
	if err := s.svc.Backup.UpdateAuthData(r.Context(), caller(r).UserID, version, body.Algorithm, body.AuthData); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteBackupVersion(w http.ResponseWriter, r *http.Request) {
	version, err := pathParam(r, "version")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.Backup.DeleteVersion(r.Context(), caller(r).UserID, version); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

// backupScope is the version plus optional room and session selected by a
// /room_keys/keys request.
type backupScope struct {
	version   string
	room      domain.RoomID
	sessionID string
}

func parseBackupScope(r *http.Request) (backupScope, error) {
	version := r.URL.Query().Get("version")
	if version == "" {
		return backupScope{}, invalidParam("version query parameter is required")
	}
	room, err := pathParam(r, "roomID")
	if err != nil {
		return backupScope{}, err
	}
	sessionID, err := pathParam(r, "sessionID")
	if err != nil {
		return backupScope{}, err
	}
	return backupScope{version: version, room: domain.RoomID(room), sessionID: sessionID}, nil
}

// putBackupKeys accepts the whole rooms tree, one room's sessions, or a
// single session, depending on how much of the path is given.
func (s *Server) putBackupKeys(w http.ResponseWriter, r *http.Request) {
	scope, err := parseBackupScope(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var data domain.KeyBackupData
	switch {
	case scope.sessionID != "":
		var e domain.BackupKeyEntry
		if err := decodeJSON(w, r, &e); err != nil {
			s.respondError(w, r, err)
			return
		}
		data.Rooms = map[domain.RoomID]domain.RoomKeyBackup{
			scope.room: {Sessions: map[string]domain.BackupKeyEntry{scope.sessionID: e}},
		}
	case scope.room != "":
		var rk domain.RoomKeyBackup
		if err := decodeJSON(w, r, &rk); err != nil {
			s.respondError(w, r, err)
			return
		}
		data.Rooms = map[domain.RoomID]domain.RoomKeyBackup{scope.room: rk}
	default:
		if err := decodeJSON(w, r, &data); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	resp, err := s.svc.Backup.UploadKeys(r.Context(), caller(r).UserID, scope.version, data)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getBackupKeys(w http.ResponseWriter, r *http.Request) {
	scope, err := parseBackupScope(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	user := caller(r).UserID

	if scope.sessionID != "" {
		e, err := s.svc.Backup.Session(r.Context(), user, scope.version, scope.room, scope.sessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, e)
		return
	}

	data, err := s.svc.Backup.Keys(r.Context(), user, scope.version, scope.room, "")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if scope.room != "" {
		rk, ok := data.Rooms[scope.room]
		if !ok {
			rk = domain.RoomKeyBackup{Sessions: map[string]domain.BackupKeyEntry{}}
		}
		respondJSON(w, http.StatusOK, rk)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

func (s *Server) deleteBackupKeys(w http.ResponseWriter, r *http.Request) {
	scope, err := parseBackupScope(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.svc.Backup.DeleteKeys(r.Context(), caller(r).UserID, scope.version, scope.room, scope.sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
