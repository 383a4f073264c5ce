package api

import (
	"net/http"

	"e2eed/internal/domain"
	"e2eed/internal/services/crosssign"
)

func (s *Server) uploadKeys(w http.ResponseWriter, r *http.Request) {
	var req domain.KeyUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := caller(r)
	resp, err := s.svc.DeviceKeys.Upload(r.Context(), id.UserID, id.DeviceID, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) queryKeys(w http.ResponseWriter, r *http.Request) {
	var req domain.KeyQueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := withClientTimeout(r.Context(), req.Timeout)
	defer cancel()

	resp, err := s.svc.DeviceKeys.Query(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) claimKeys(w http.ResponseWriter, r *http.Request) {
	var req domain.KeyClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx, cancel := withClientTimeout(r.Context(), req.Timeout)
	defer cancel()

	resp, err := s.svc.DeviceKeys.Claim(ctx, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) keyChanges(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.svc.DeviceKeys.Changes(r.Context(), from, to)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// deleteDeviceKeys only lets a user delete their own devices.
func (s *Server) deleteDeviceKeys(w http.ResponseWriter, r *http.Request) {
	device, err := pathParam(r, "deviceID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.DeviceKeys.Delete(r.Context(), caller(r).UserID, domain.DeviceID(device)); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) uploadCrossSigningKeys(w http.ResponseWriter, r *http.Request) {
	var up domain.CrossSigningUpload
	if err := decodeJSON(w, r, &up); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.CrossSigning.UploadKeys(r.Context(), caller(r).UserID, up); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteCrossSigningKeys(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CrossSigning.Delete(r.Context(), caller(r).UserID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) uploadSignatures(w http.ResponseWriter, r *http.Request) {
	var up domain.SignatureUpload
	if err := decodeJSON(w, r, &up); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.svc.CrossSigning.UploadSignatures(r.Context(), caller(r).UserID, up)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request) {
	var req crosssign.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.svc.CrossSigning.Verify(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// deviceTrust reports whether the caller's cross-signing chain reaches the
// given device.
func (s *Server) deviceTrust(w http.ResponseWriter, r *http.Request) {
	user, err := pathParam(r, "userID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	device, err := pathParam(r, "deviceID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.svc.CrossSigning.UserDeviceTrusted(r.Context(), caller(r).UserID, domain.UserID(user), domain.DeviceID(device))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
