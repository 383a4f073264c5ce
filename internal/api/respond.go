package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

// Matrix error codes.
const (
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeConflict      = "M_CONFLICT"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeBadJSON       = "M_BAD_JSON"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnknown       = "M_UNKNOWN"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// errBadJSON marks request bodies that could not be decoded.
var errBadJSON = errors.New("malformed request body")

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondErrCode(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorBody{ErrCode: code, Error: msg})
}

// classify maps an error to its HTTP status and errcode.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest, ErrCodeBadJSON
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, crypto.ErrInvalidBase64),
		errors.Is(err, crypto.ErrInvalidKeyLength),
		errors.Is(err, crypto.ErrSignatureVerificationFailed),
		errors.Is(err, crypto.ErrLowOrderPoint),
		errors.Is(err, crypto.ErrDecrypt):
		return http.StatusBadRequest, ErrCodeInvalidParam
	}
	return http.StatusInternalServerError, ErrCodeUnknown
}

// respondError writes the mapped error. Internal failures get a generic
// message; their detail only goes to the log.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	respondErrCode(w, status, code, msg)
}

// decodeJSON reads a JSON body into v, rejecting trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: trailing data", errBadJSON)
	}
	return nil
}

func invalidParam(format string, args ...any) error {
	return domain.Validationf(format, args...)
}
