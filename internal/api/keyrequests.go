package api

import (
	"net/http"

	"e2eed/internal/domain"
)

type keyRequestBody struct {
	RoomID    domain.RoomID `json:"room_id"`
	SessionID string        `json:"session_id"`
	Algorithm string        `json:"algorithm,omitempty"`
	// SenderKey and RequestingDeviceID turn the request into a share
	// request on behalf of another device.
	SenderKey          string          `json:"sender_key,omitempty"`
	RequestingDeviceID domain.DeviceID `json:"requesting_device_id,omitempty"`
}

func (s *Server) createKeyRequest(w http.ResponseWriter, r *http.Request) {
	var body keyRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := caller(r)

	var (
		req domain.KeyRequest
		err error
	)
	if body.SenderKey != "" || body.RequestingDeviceID != "" {
		requesting := body.RequestingDeviceID
		if requesting == "" {
			requesting = id.DeviceID
		}
		req, err = s.svc.KeyRequests.CreateShareRequest(r.Context(), id.UserID, id.DeviceID, body.RoomID, body.SessionID, body.SenderKey, requesting)
	} else {
		req, err = s.svc.KeyRequests.Create(r.Context(), id.UserID, id.DeviceID, body.RoomID, body.SessionID, body.Algorithm)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) pendingKeyRequests(w http.ResponseWriter, r *http.Request) {
	reqs := s.svc.KeyRequests.Pending(caller(r).UserID)
	if reqs == nil {
		reqs = []domain.KeyRequest{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ownRequest loads a request and hides it unless it belongs to the caller.
func (s *Server) ownRequest(r *http.Request) (string, error) {
	id, err := pathParam(r, "requestID")
	if err != nil {
		return "", err
	}
	req, err := s.svc.KeyRequests.Request(r.Context(), id)
	if err != nil {
		return "", err
	}
	if req.UserID != caller(r).UserID {
		return "", domain.NotFoundf("key request %s", id)
	}
	return id, nil
}

func (s *Server) fulfillKeyRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.ownRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.svc.KeyRequests.Fulfill(r.Context(), id, caller(r).DeviceID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) cancelKeyRequest(w http.ResponseWriter, r *http.Request) {
	id, err := s.ownRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.KeyRequests.Cancel(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}
