package api

import (
	"net/http"

	"e2eed/internal/domain"
)

func (s *Server) createStorageKey(w http.ResponseWriter, r *http.Request) {
	var k domain.SecretStorageKey
	if err := decodeJSON(w, r, &k); err != nil {
		s.respondError(w, r, err)
		return
	}
	created, err := s.svc.SecretStore.CreateKey(r.Context(), caller(r).UserID, k)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, created)
}

func (s *Server) getStorageKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.SecretStore.Keys(r.Context(), caller(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if keys == nil {
		keys = []domain.SecretStorageKey{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) getStorageKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathParam(r, "keyID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	k, err := s.svc.SecretStore.Key(r.Context(), caller(r).UserID, keyID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) deleteStorageKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathParam(r, "keyID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.SecretStore.DeleteKey(r.Context(), caller(r).UserID, keyID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

type storeSecretBody struct {
	EncryptedSecret string `json:"encrypted_secret"`
	Key             string `json:"key"`
}

func (s *Server) storeSecret(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var body storeSecretBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.SecretStore.StoreSecret(r.Context(), caller(r).UserID, name, body.EncryptedSecret, body.Key); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) getSecrets(w http.ResponseWriter, r *http.Request) {
	var req domain.SecretsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.svc.SecretStore.Secrets(r.Context(), caller(r).UserID, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// listSecrets returns the secrets whose key descriptor still exists.
func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.svc.SecretStore.List(r.Context(), caller(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make(map[string]domain.StoredSecret, len(secrets))
	for _, sec := range secrets {
		out[sec.Name] = sec
	}
	respondJSON(w, http.StatusOK, domain.SecretsResponse{Secrets: out})
}

func (s *Server) deleteSecrets(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secrets []string `json:"secrets"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	n, err := s.svc.SecretStore.DeleteSecrets(r.Context(), caller(r).UserID, body.Secrets)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) hasSecrets(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.SecretStore.HasSecrets(r.Context(), caller(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"has_secrets": ok})
}
