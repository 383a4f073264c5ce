package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/api"
	"e2eed/internal/domain"
	"e2eed/internal/services/backup"
	"e2eed/internal/services/crosssign"
	"e2eed/internal/services/devicekeys"
	"e2eed/internal/services/eventsig"
	"e2eed/internal/services/keyrequest"
	"e2eed/internal/services/ssss"
	"e2eed/internal/services/todevice"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/testutil"
)

const (
	secret                = "test-secret-that-is-long-enough-123"
	alice   domain.UserID = "@alice:example.org"
	bob     domain.UserID = "@bob:example.org"
	room    domain.RoomID = "!room:example.org"
)

type sessions struct {
	mu   sync.Mutex
	keys map[string]domain.ExportedSession
}

func (f *sessions) SessionKey(_ context.Context, r domain.RoomID, sessionID string) (domain.ExportedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.keys[sessionID]
	if !ok || s.RoomID != r {
		return domain.ExportedSession{}, domain.NotFoundf("session %s", sessionID)
	}
	return s, nil
}

type testServer struct {
	t        *testing.T
	srv      *api.Server
	reg      *devicekeys.Service
	sessions *sessions
}

func newTestServer(t *testing.T, rl api.RateLimitConfig) *testServer {
	t.Helper()
	db := testutil.NewTestDB(t)
	clock := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator()
	devices := sqlite.NewDeviceKeyStore(db)
	reg := devicekeys.New(devices, clock, nil)
	sess := &sessions{keys: map[string]domain.ExportedSession{}}

	srv, err := api.New(api.Config{JWTSecret: secret, RateLimit: rl}, api.Services{
		DeviceKeys:   reg,
		CrossSigning: crosssign.New(sqlite.NewCrossSigningStore(db), devices, clock, nil),
		EventSigs:    eventsig.New(sqlite.NewEventSignatureStore(db), reg, clock, nil),
		Backup:       backup.New(sqlite.NewBackupStore(db), clock, nil),
		SecretStore:  ssss.New(sqlite.NewSecretStorageStore(db), ids, clock, nil),
		KeyRequests:  keyrequest.New(sqlite.NewKeyRequestStore(db), sess, ids, clock, nil, keyrequest.Config{}),
		ToDevice:     todevice.New(sqlite.NewToDeviceStore(db), devices, ids, clock, nil),
		Ping:         db.Ping,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{t: t, srv: srv, reg: reg, sessions: sess}
}

func (ts *testServer) token(user domain.UserID, device domain.DeviceID) string {
	tok, err := ts.srv.JWT().GenerateToken(user, device)
	require.NoError(ts.t, err)
	return tok
}

// do sends body (JSON-encoded unless nil) and decodes the response into out
// when out is non-nil.
func (ts *testServer) do(token, method, path string, body, out any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		ErrCode string `json:"errcode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.ErrCode
}

func p(path string) string { return api.Prefix + path }

func TestAuth(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})

	rec := ts.do("", http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, ts.do("", http.MethodGet, "/metrics", nil, nil).Code)

	rec = ts.do("", http.MethodGet, p("/room_keys/version"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, api.ErrCodeMissingToken, errCode(t, rec))

	rec = ts.do("not-a-jwt", http.MethodGet, p("/room_keys/version"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, api.ErrCodeUnknownToken, errCode(t, rec))

	other, err := api.NewJWTConfig("another-secret-that-is-long-enough").GenerateToken(alice, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, ts.do(other, http.MethodGet, p("/room_keys/version"), nil, nil).Code)
}

func TestKeys_UploadQueryClaim(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	acct := testutil.NewTestAccount(t, alice, "LAPTOP")
	require.NoError(t, acct.GenerateOneTimeKeys(1))
	up, err := acct.UploadRequest()
	require.NoError(t, err)

	aliceTok := ts.token(alice, "LAPTOP")
	bobTok := ts.token(bob, "PHONE")

	var uploaded domain.KeyUploadResponse
	rec := ts.do(aliceTok, http.MethodPost, p("/keys/upload"), up, &uploaded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, uploaded.OneTimeKeyCounts[domain.KeyTypeSignedCurve25519])

	var queried domain.KeyQueryResponse
	rec = ts.do(bobTok, http.MethodPost, p("/keys/query"), domain.KeyQueryRequest{
		DeviceKeys: map[domain.UserID][]domain.DeviceID{alice: nil},
		Timeout:    60000,
	}, &queried)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, up.DeviceKeys.Keys, queried.DeviceKeys[alice]["LAPTOP"].Keys)

	claim := domain.KeyClaimRequest{OneTimeKeys: map[domain.UserID]map[domain.DeviceID]string{
		alice: {"LAPTOP": domain.KeyTypeSignedCurve25519},
	}}
	var first, second domain.KeyClaimResponse
	ts.do(bobTok, http.MethodPost, p("/keys/claim"), claim, &first)
	ts.do(bobTok, http.MethodPost, p("/keys/claim"), claim, &second)
	assert.Len(t, first.OneTimeKeys[alice]["LAPTOP"], 1)
	assert.Contains(t, second.Failures[alice], domain.DeviceID("LAPTOP"))

	var changes domain.KeyChangesResponse
	rec = ts.do(bobTok, http.MethodGet, p("/keys/changes?from=0"), nil, &changes)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, changes.Changed, alice)

	assert.Equal(t, http.StatusOK, ts.do(aliceTok, http.MethodDelete, p("/devices/LAPTOP/keys"), nil, nil).Code)
	rec = ts.do(aliceTok, http.MethodDelete, p("/devices/LAPTOP/keys"), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, api.ErrCodeNotFound, errCode(t, rec))
}

func TestErrors_MapToMatrixCodes(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	tok := ts.token(alice, "LAPTOP")

	req := httptest.NewRequest(http.MethodPost, p("/keys/upload"), bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.ErrCodeBadJSON, errCode(t, rec))

	rec = ts.do(tok, http.MethodPost, p("/room_keys/version"), map[string]any{"algorithm": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.ErrCodeInvalidParam, errCode(t, rec))

	rec = ts.do(tok, http.MethodGet, p("/room_keys/version/42"), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(tok, http.MethodGet, p("/room_keys/keys"), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "version is required")
}

func TestBackup_VersionsAndScopedKeys(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	tok := ts.token(alice, "LAPTOP")
	authData := map[string]any{"public_key": "abc"}

	var v1, v2 map[string]string
	ts.do(tok, http.MethodPost, p("/room_keys/version"), map[string]any{"algorithm": "m.megolm_backup.v1", "auth_data": authData}, &v1)
	ts.do(tok, http.MethodPost, p("/room_keys/version"), map[string]any{"algorithm": "m.megolm_backup.v1", "auth_data": authData}, &v2)
	require.NotEqual(t, v1["version"], v2["version"])

	var current domain.BackupVersion
	ts.do(tok, http.MethodGet, p("/room_keys/version"), nil, &current)
	assert.Equal(t, v2["version"], current.Version)

	entry := map[string]any{
		"first_message_index": 0,
		"forwarded_count":     0,
		"is_verified":         true,
		"session_data":        map[string]any{"ciphertext": "c"},
	}
	sessionPath := "/room_keys/keys/" + url.PathEscape(string(room)) + "/sess1"

	rec := ts.do(tok, http.MethodPut, p(sessionPath+"?version="+v1["version"]), entry, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "old version is read-only")
	assert.Equal(t, api.ErrCodeConflict, errCode(t, rec))

	var up domain.BackupUploadResponse
	rec = ts.do(tok, http.MethodPut, p(sessionPath+"?version="+v2["version"]), entry, &up)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, up.Count)
	assert.NotEmpty(t, up.ETag)

	var rk domain.RoomKeyBackup
	ts.do(tok, http.MethodGet, p("/room_keys/keys/"+url.PathEscape(string(room))+"?version="+v2["version"]), nil, &rk)
	assert.Contains(t, rk.Sessions, "sess1")

	var got domain.BackupKeyEntry
	ts.do(tok, http.MethodGet, p(sessionPath+"?version="+v2["version"]), nil, &got)
	assert.True(t, got.IsVerified)

	var del domain.BackupUploadResponse
	ts.do(tok, http.MethodDelete, p("/room_keys/keys?version="+v2["version"]), nil, &del)
	assert.Equal(t, 0, del.Count)
	assert.NotEqual(t, up.ETag, del.ETag)

	rec = ts.do(tok, http.MethodPut, p("/room_keys/version/"+v2["version"]), map[string]any{
		"algorithm": "m.megolm_backup.v1", "auth_data": map[string]any{"public_key": "def"}, "version": v1["version"],
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusOK, ts.do(tok, http.MethodDelete, p("/room_keys/version/"+v1["version"]), nil, nil).Code)
}

func TestSecretStorage(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	tok := ts.token(alice, "LAPTOP")

	key, desc, err := ssss.NewKeyDescriptor("default")
	require.NoError(t, err)
	var created domain.SecretStorageKey
	rec := ts.do(tok, http.MethodPost, p("/secret_storage/keys"), desc, &created)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, created.KeyID)

	var has map[string]bool
	ts.do(tok, http.MethodGet, p("/secret_storage/has_secrets"), nil, &has)
	assert.False(t, has["has_secrets"])

	sealed, err := ssss.Seal(key, "m.cross_signing.master", []byte("master-private"))
	require.NoError(t, err)
	rec = ts.do(tok, http.MethodPut, p("/secret_storage/secrets/m.cross_signing.master"),
		map[string]string{"encrypted_secret": sealed, "key": created.KeyID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.SecretsResponse
	ts.do(tok, http.MethodPost, p("/secret_storage/secrets/get"), domain.SecretsRequest{
		Secrets: []string{"m.cross_signing.master", "missing"},
	}, &resp)
	require.Contains(t, resp.Secrets, "m.cross_signing.master")
	plain, err := ssss.Open(key, "m.cross_signing.master", resp.Secrets["m.cross_signing.master"].EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, "master-private", string(plain))

	var filtered domain.SecretsResponse
	ts.do(tok, http.MethodPost, p("/secret_storage/secrets/get"), domain.SecretsRequest{
		Secrets: []string{"m.cross_signing.master"}, Keys: []string{"other"},
	}, &filtered)
	assert.Empty(t, filtered.Secrets)

	ts.do(tok, http.MethodGet, p("/secret_storage/has_secrets"), nil, &has)
	assert.True(t, has["has_secrets"])

	var keys struct {
		Keys []domain.SecretStorageKey `json:"keys"`
	}
	ts.do(tok, http.MethodGet, p("/secret_storage/keys"), nil, &keys)
	assert.Len(t, keys.Keys, 1)

	var deleted map[string]int64
	ts.do(tok, http.MethodPost, p("/secret_storage/secrets/delete"), map[string][]string{"secrets": {"m.cross_signing.master"}}, &deleted)
	assert.Equal(t, int64(1), deleted["deleted"])

	assert.Equal(t, http.StatusOK, ts.do(tok, http.MethodDelete, p("/secret_storage/keys/"+created.KeyID), nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(tok, http.MethodGet, p("/secret_storage/keys/"+created.KeyID), nil, nil).Code)
}

func TestToDevice_FanOutAndAcknowledge(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	testutil.PublishAccount(t, ts.reg, testutil.NewTestAccount(t, bob, "PHONE"), 0, false)
	testutil.PublishAccount(t, ts.reg, testutil.NewTestAccount(t, bob, "TABLET"), 0, false)

	body := map[string]any{"messages": map[string]any{
		string(bob): map[string]any{"*": map[string]string{"hello": "world"}},
	}}
	rec := ts.do(ts.token(alice, "LAPTOP"), http.MethodPut, p("/sendToDevice/m.test/txn1"), body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	phone := ts.token(bob, "PHONE")
	var inbox struct {
		Events []domain.ToDeviceMessage `json:"events"`
	}
	ts.do(phone, http.MethodGet, p("/to_device"), nil, &inbox)
	require.Len(t, inbox.Events, 1)
	assert.Equal(t, alice, inbox.Events[0].Sender)
	assert.Equal(t, "m.test", inbox.Events[0].Type)

	var deleted map[string]int64
	ts.do(phone, http.MethodPost, p("/to_device/delete"), map[string][]string{"message_ids": {inbox.Events[0].ID}}, &deleted)
	assert.Equal(t, int64(1), deleted["deleted"])

	ts.do(phone, http.MethodGet, p("/to_device"), nil, &inbox)
	assert.Empty(t, inbox.Events)

	ts.do(ts.token(bob, "TABLET"), http.MethodGet, p("/to_device"), nil, &inbox)
	assert.Len(t, inbox.Events, 1, "other device keeps its copy")
}

func TestKeyRequests(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	ts.sessions.keys["sess1"] = domain.ExportedSession{
		Algorithm: domain.AlgorithmMegolm, RoomID: room, SenderKey: "sk", SessionID: "sess1", SessionKey: "exported",
	}
	phone := ts.token(alice, "PHONE")
	laptop := ts.token(alice, "LAPTOP")

	var req domain.KeyRequest
	rec := ts.do(phone, http.MethodPost, p("/room_keys/requests"), map[string]any{"room_id": room, "session_id": "sess1"}, &req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.AlgorithmMegolm, req.Algorithm)

	var pending struct {
		Requests []domain.KeyRequest `json:"requests"`
	}
	ts.do(laptop, http.MethodGet, p("/room_keys/requests"), nil, &pending)
	require.Len(t, pending.Requests, 1)

	rec = ts.do(ts.token(bob, "PHONE"), http.MethodPost, p("/room_keys/requests/"+req.RequestID+"/fulfill"), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users cannot see the request")

	var res keyrequest.FulfillResult
	ts.do(laptop, http.MethodPost, p("/room_keys/requests/"+req.RequestID+"/fulfill"), nil, &res)
	assert.Equal(t, keyrequest.OutcomeFulfilled, res.Outcome)
	require.NotNil(t, res.Response)
	assert.Equal(t, "exported", res.Response.SessionKey)

	ts.do(laptop, http.MethodPost, p("/room_keys/requests/"+req.RequestID+"/fulfill"), nil, &res)
	assert.Equal(t, keyrequest.OutcomeAlreadyFulfilled, res.Outcome)

	assert.Equal(t, http.StatusOK, ts.do(phone, http.MethodDelete, p("/room_keys/requests/"+req.RequestID), nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(phone, http.MethodDelete, p("/room_keys/requests/unknown"), nil, nil).Code)
}

func TestEventSignatures(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	acct := testutil.NewTestAccount(t, alice, "LAPTOP")
	testutil.PublishAccount(t, ts.reg, acct, 0, false)
	tok := ts.token(alice, "LAPTOP")
	eventID := "$event:example.org"
	path := "/events/" + url.PathEscape(eventID)

	rec := ts.do(tok, http.MethodPut, p(path+"/signature"), map[string]string{"signature": acct.Sign([]byte(eventID))}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(tok, http.MethodPut, p(path+"/signature"), map[string]string{"signature": acct.Sign([]byte("other"))}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var out struct {
		Signatures []eventsig.Status `json:"signatures"`
	}
	ts.do(tok, http.MethodGet, p(path+"/signatures"), nil, &out)
	require.Len(t, out.Signatures, 1)
	assert.True(t, out.Signatures[0].Valid)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	alicePhone := ts.token(alice, "PHONE")

	assert.Equal(t, http.StatusOK, ts.do(alicePhone, http.MethodGet, p("/secret_storage/has_secrets"), nil, nil).Code)
	rec := ts.do(ts.token(alice, "LAPTOP"), http.MethodGet, p("/secret_storage/has_secrets"), nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "limit is per user, not per device")
	assert.Equal(t, api.ErrCodeLimitExceeded, errCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, ts.do(ts.token(bob, "PHONE"), http.MethodGet, p("/secret_storage/has_secrets"), nil, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do("", http.MethodGet, "/health", nil, nil).Code)
}

func TestKeys_DeviceTrust(t *testing.T) {
	ts := newTestServer(t, api.RateLimitConfig{})
	testutil.PublishAccount(t, ts.reg, testutil.NewTestAccount(t, bob, "PHONE"), 0, false)
	tok := ts.token(alice, "LAPTOP")

	var res crosssign.VerifyResult
	rec := ts.do(tok, http.MethodGet, p("/keys/trust/"+url.PathEscape(string(bob))+"/PHONE"), nil, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "user link", "no cross-signing keys yet")

	res = crosssign.VerifyResult{}
	rec = ts.do(tok, http.MethodGet, p("/keys/trust/%40alice%3Aexample.org/LAPTOP"), nil, &res)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, res.Reason, "self_signing link", "own devices skip the user link")
}
