package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"e2eed/internal/domain"
)

// Error is a non-2xx response.
type Error struct {
	Method  string
	URL     string
	Status  int
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
	kind    error
}

func (e *Error) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.URL, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, e.ErrCode, e.Message)
}

// Unwrap lets errors.Is match the domain sentinel for the errcode.
func (e *Error) Unwrap() error { return e.kind }

func decodeError(method, url string, resp *http.Response) error {
	e := &Error{Method: method, URL: url, Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, e)

	switch e.ErrCode {
	case "M_NOT_FOUND":
		e.kind = domain.ErrNotFound
	case "M_CONFLICT":
		e.kind = domain.ErrConflict
	case "M_INVALID_PARAM", "M_BAD_JSON":
		e.kind = domain.ErrValidation
	}
	return e
}
