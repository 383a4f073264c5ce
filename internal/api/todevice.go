package api

import (
	"encoding/json"
	"net/http"

	"e2eed/internal/domain"
)

const defaultToDeviceLimit = 100

type sendToDeviceBody struct {
	Messages map[domain.UserID]map[domain.DeviceID]json.RawMessage `json:"messages"`
}

// sendToDevice queues one message per addressed device; "*" fans out to
// every device of the user. Unknown devices are dropped, not rejected.
func (s *Server) sendToDevice(w http.ResponseWriter, r *http.Request) {
	eventType, err := pathParam(r, "eventType")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var body sendToDeviceBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.ToDevice.Send(r.Context(), caller(r).UserID, eventType, body.Messages); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) getToDevice(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultToDeviceLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	id := caller(r)
	msgs, err := s.svc.ToDevice.Messages(r.Context(), id.UserID, id.DeviceID, int(limit))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ToDeviceMessage{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": msgs})
}

func (s *Server) deleteToDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := caller(r)
	n, err := s.svc.ToDevice.Delete(r.Context(), id.UserID, id.DeviceID, body.MessageIDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
