package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.NotFoundf("device"), http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("upload: %w", domain.Conflictf("version")), http.StatusConflict, ErrCodeConflict},
		{domain.Validationf("bad"), http.StatusBadRequest, ErrCodeInvalidParam},
		{fmt.Errorf("key: %w", crypto.ErrInvalidBase64), http.StatusBadRequest, ErrCodeInvalidParam},
		{crypto.ErrSignatureVerificationFailed, http.StatusBadRequest, ErrCodeInvalidParam},
		{fmt.Errorf("%w: eof", errBadJSON), http.StatusBadRequest, ErrCodeBadJSON},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeUnknown},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestWithClientTimeout_Capped(t *testing.T) {
	ctx, cancel := withClientTimeout(context.Background(), 0)
	_, ok := ctx.Deadline()
	cancel()
	assert.False(t, ok)

	start := time.Now()
	ctx, cancel = withClientTimeout(context.Background(), 1<<62)
	dl, ok := ctx.Deadline()
	cancel()
	require.True(t, ok)
	assert.WithinDuration(t, start.Add(MaxRequestTimeout), dl, time.Second)

	ctx, cancel = withClientTimeout(context.Background(), 50)
	dl, _ = ctx.Deadline()
	cancel()
	assert.WithinDuration(t, start.Add(50*time.Millisecond), dl, time.Second)
}

func TestJWT_ExpiredAndWrongIssuer(t *testing.T) {
	c := NewJWTConfig("0123456789abcdef0123456789abcdef")
	tok, err := c.GenerateToken("@alice:example.org", "LAPTOP")
	require.NoError(t, err)

	id, err := c.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "@alice:example.org", DeviceID: "LAPTOP"}, id)

	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = c.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.GenerateToken("", "LAPTOP")
	assert.Error(t, err)
}

func TestLimiter_CleanupDropsIdleClients(t *testing.T) {
	l := newLimiter(RateLimitConfig{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Nanosecond, CleanupInterval: time.Hour})
	defer l.close()

	assert.True(t, l.allow("@alice:example.org"))
	time.Sleep(time.Millisecond)
	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.limiters)
}

func TestPathParam_DecodesOnce(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/rooms/%21room%3Aexample.org", "!room:example.org"},
		{"/rooms/!room:example.org", "!room:example.org"},
		{"/rooms/100%25", "100%"},
		{"/rooms/a%2525", "a%25"},
		{"/rooms/%21a%2525", "!a%25"},
	}
	for _, tt := range tests {
		var got string
		r := chi.NewRouter()
		r.Get("/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
			v, err := pathParam(r, "roomID")
			require.NoError(t, err, tt.target)
			got = v
		})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
		require.Equal(t, http.StatusOK, rec.Code, tt.target)
		assert.Equal(t, tt.want, got, tt.target)
	}
}
