package api

import (
	"net/http"

	"e2eed/internal/services/eventsig"
)

func (s *Server) signEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathParam(r, "eventID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var body struct {
		Signature string `json:"signature"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := caller(r)
	if err := s.svc.EventSigs.Sign(r.Context(), eventID, id.UserID, id.DeviceID, body.Signature); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) eventSignatures(w http.ResponseWriter, r *http.Request) {
	eventID, err := pathParam(r, "eventID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	statuses, err := s.svc.EventSigs.Verify(r.Context(), eventID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []eventsig.Status{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"signatures": statuses})
}
