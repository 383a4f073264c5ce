package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// pathParam returns the unescaped value of a route parameter. Matrix IDs
// contain '!', '@' and ':' and arrive percent-encoded. chi matches on
// RawPath when it is set, leaving the parameter escaped; otherwise it
// already holds the decoded value and must not be unescaped again.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	v, err := url.PathUnescape(v)
	if err != nil {
		return "", invalidParam("bad path parameter %s", name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, invalidParam("%s must be a non-negative integer", name)
	}
	return n, nil
}
