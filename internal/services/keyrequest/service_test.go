package keyrequest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/domain"
	"e2eed/internal/services/keyrequest"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/testutil"
)

const (
	alice domain.UserID = "@alice:example.org"
	room  domain.RoomID = "!room:example.org"
)

type fakeSessions struct {
	mu   sync.Mutex
	keys map[string]domain.ExportedSession
}

func (f *fakeSessions) add(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]domain.ExportedSession)
	}
	f.keys[sessionID] = domain.ExportedSession{
		Algorithm: domain.AlgorithmMegolm, RoomID: room, SenderKey: "senderkey",
		SessionID: sessionID, SessionKey: "key-of-" + sessionID,
	}
}

func (f *fakeSessions) SessionKey(_ context.Context, r domain.RoomID, sessionID string) (domain.ExportedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.keys[sessionID]
	if !ok || s.RoomID != r {
		return domain.ExportedSession{}, domain.NotFoundf("session %s", sessionID)
	}
	return s, nil
}

type fixture struct {
	svc      *keyrequest.Service
	store    *sqlite.KeyRequestStore
	sessions *fakeSessions
	clock    *testutil.StubClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:    sqlite.NewKeyRequestStore(testutil.NewTestDB(t)),
		sessions: &fakeSessions{},
		clock:    testutil.FixedClock(),
	}
	f.svc = keyrequest.New(f.store, f.sessions, testutil.NewStubIDGenerator(), f.clock, nil, keyrequest.Config{})
	return f
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.add("s1")

	req, err := f.svc.Create(ctx, alice, "PHONE", room, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmMegolm, req.Algorithm)
	assert.False(t, req.Fulfilled)
	require.Len(t, f.svc.Pending(alice), 1)

	res, err := f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeFulfilled, res.Outcome)
	require.NotNil(t, res.Response)
	assert.Equal(t, "key-of-s1", res.Response.SessionKey)
	assert.Equal(t, "senderkey", res.Response.SenderKey)
	assert.Empty(t, f.svc.Pending(""))

	stored, err := f.svc.Request(ctx, req.RequestID)
	require.NoError(t, err)
	assert.True(t, stored.Fulfilled)
	assert.Equal(t, domain.DeviceID("LAPTOP"), stored.FulfilledByDevice)

	res, err = f.svc.Fulfill(ctx, req.RequestID, "TABLET")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeAlreadyFulfilled, res.Outcome)
	assert.Nil(t, res.Response)
	stored, err = f.svc.Request(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceID("LAPTOP"), stored.FulfilledByDevice, "not re-mutated")
}

func TestFulfill_NoSessionStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req, err := f.svc.Create(ctx, alice, "PHONE", room, "later", domain.AlgorithmMegolm)
	require.NoError(t, err)

	res, err := f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeNoResult, res.Outcome)
	assert.Len(t, f.svc.Pending(alice), 1)

	f.sessions.add("later")
	res, err = f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeFulfilled, res.Outcome)

	_, err = f.svc.Fulfill(ctx, "unknown", "LAPTOP")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestShareRequest_SenderKeyMustMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.add("s1")

	_, err := f.svc.CreateShareRequest(ctx, alice, "LAPTOP", room, "s1", "", "PHONE")
	assert.ErrorIs(t, err, domain.ErrValidation)

	req, err := f.svc.CreateShareRequest(ctx, alice, "LAPTOP", room, "s1", "otherkey", "PHONE")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRequested, req.Action)
	assert.Equal(t, domain.DeviceID("PHONE"), req.RequestingDeviceID)

	res, err := f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeNoResult, res.Outcome)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.add("s1")

	assert.ErrorIs(t, f.svc.Cancel(ctx, "unknown"), domain.ErrNotFound)

	req, err := f.svc.Create(ctx, alice, "PHONE", room, "s1", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, req.RequestID))
	require.NoError(t, f.svc.Cancel(ctx, req.RequestID))
	assert.Empty(t, f.svc.Pending(alice))

	res, err := f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
	require.NoError(t, err)
	assert.Equal(t, keyrequest.OutcomeAlreadyFulfilled, res.Outcome)

	_, err = f.svc.Create(ctx, alice, "PHONE", room, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.Create(ctx, alice, "PHONE", room, "s1", "m.olm.v1.curve25519-aes-sha2")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFulfill_ConcurrentCallersFulfilOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.add("s1")

	req, err := f.svc.Create(ctx, alice, "PHONE", room, "s1", "")
	require.NoError(t, err)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[keyrequest.Outcome]int)
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Fulfill(ctx, req.RequestID, "LAPTOP")
			assert.NoError(t, err)
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[keyrequest.OutcomeFulfilled])
	assert.Equal(t, callers-1, outcomes[keyrequest.OutcomeAlreadyFulfilled])
}

func TestSweepAndLoadPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sessions.add("s1")

	done, err := f.svc.Create(ctx, alice, "PHONE", room, "s1", "")
	require.NoError(t, err)
	_, err = f.svc.Fulfill(ctx, done.RequestID, "LAPTOP")
	require.NoError(t, err)
	stale, err := f.svc.Create(ctx, alice, "PHONE", room, "s2", "")
	require.NoError(t, err)

	f.clock.Advance(2 * 24 * time.Hour)
	fresh, err := f.svc.Create(ctx, alice, "PHONE", room, "s3", "")
	require.NoError(t, err)

	fulfilled, expired, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fulfilled)
	assert.Zero(t, expired)
	_, err = f.svc.Request(ctx, done.RequestID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.clock.Advance(6 * 24 * time.Hour)
	fulfilled, expired, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, fulfilled)
	assert.EqualValues(t, 1, expired)
	_, err = f.svc.Request(ctx, stale.RequestID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pending := f.svc.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.RequestID, pending[0].RequestID)

	restarted := keyrequest.New(f.store, f.sessions, testutil.NewStubIDGenerator(), f.clock, nil, keyrequest.Config{})
	assert.Empty(t, restarted.Pending(""))
	require.NoError(t, restarted.LoadPending(ctx))
	pending = restarted.Pending(alice)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.RequestID, pending[0].RequestID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	svc := keyrequest.New(f.store, f.sessions, testutil.NewStubIDGenerator(), f.clock, nil,
		keyrequest.Config{SweepInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
