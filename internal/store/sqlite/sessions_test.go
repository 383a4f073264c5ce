package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/domain"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/testutil"
)

func TestOlmSessionStore_IndexNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewOlmSessionStore(testutil.NewTestDB(t))

	sess := domain.OlmSession{
		SessionID: "s1", UserID: bob, DeviceID: phone,
		SenderKey: "peer", ReceiverKey: "ours", Pickle: []byte("p0"),
		CreatedAt: 1, LastUsedAt: 1, ExpiresAt: 100,
	}
	require.NoError(t, store.SaveOlmSession(ctx, sess))
	assert.ErrorIs(t, store.SaveOlmSession(ctx, sess), domain.ErrConflict)

	sess.Pickle, sess.MessageIndex, sess.LastUsedAt = []byte("p5"), 5, 2
	require.NoError(t, store.UpdateOlmSession(ctx, sess))
	sess.Pickle, sess.MessageIndex, sess.LastUsedAt = []byte("p3"), 3, 3
	require.NoError(t, store.UpdateOlmSession(ctx, sess))

	got, err := store.GetOlmSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.MessageIndex)
	assert.Equal(t, []byte("p3"), got.Pickle)

	missing := sess
	missing.SessionID = "nope"
	assert.ErrorIs(t, store.UpdateOlmSession(ctx, missing), domain.ErrNotFound)
}

func TestOlmSessionStore_BySenderKeyAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewOlmSessionStore(testutil.NewTestDB(t))

	for i, id := range []string{"old", "new"} {
		require.NoError(t, store.SaveOlmSession(ctx, domain.OlmSession{
			SessionID: id, UserID: bob, DeviceID: phone, SenderKey: "peer", ReceiverKey: "ours",
			Pickle: []byte{1}, CreatedAt: int64(i), LastUsedAt: int64(i), ExpiresAt: int64(50 + i*100),
		}))
	}

	list, err := store.OlmSessionsBySenderKey(ctx, "peer")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].SessionID)

	n, err := store.DeleteExpiredOlmSessions(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetOlmSession(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMegolmSessionStore_OneActiveOutboundPerRoom(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewMegolmSessionStore(testutil.NewTestDB(t))
	const room domain.RoomID = "!room:example.org"

	first := domain.MegolmSession{SessionID: "m1", RoomID: room, SenderKey: "ours", Algorithm: domain.AlgorithmMegolm, Secret: []byte{1}, CreatedAt: 1, LastUsedAt: 1}
	second := first
	second.SessionID, second.CreatedAt = "m2", 2

	require.NoError(t, store.CreateOutbound(ctx, first))
	require.NoError(t, store.CreateOutbound(ctx, second))

	active, err := store.ActiveOutbound(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "m2", active.SessionID)
	assert.True(t, active.Outbound)

	all, err := store.RoomSessions(ctx, room)
	require.NoError(t, err)
	assert.Len(t, all, 2, "previous outbound session is kept")

	_, err = store.ActiveOutbound(ctx, "!other:example.org")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMegolmSessionStore_InboundHighWaterMark(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewMegolmSessionStore(testutil.NewTestDB(t))
	const room domain.RoomID = "!room:example.org"

	in := domain.MegolmSession{SessionID: "m1", RoomID: room, SenderKey: "peer", Algorithm: domain.AlgorithmMegolm, Secret: []byte{1}}
	require.NoError(t, store.SaveInbound(ctx, in))
	assert.ErrorIs(t, store.SaveInbound(ctx, in), domain.ErrConflict)

	in.MessageIndex = 9
	require.NoError(t, store.UpdateMegolmSession(ctx, in))
	in.MessageIndex = 4
	require.NoError(t, store.UpdateMegolmSession(ctx, in))

	got, err := store.GetInbound(ctx, room, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.MessageIndex)
	assert.False(t, got.Outbound)

	inbound, err := store.AllInbound(ctx)
	require.NoError(t, err)
	assert.Len(t, inbound, 1)

	require.NoError(t, store.DeleteMegolmSession(ctx, "m1"))
	assert.ErrorIs(t, store.DeleteMegolmSession(ctx, "m1"), domain.ErrNotFound)
}

func TestEventSignatureStore(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewEventSignatureStore(testutil.NewTestDB(t))

	sig := domain.EventSignature{EventID: "$e1", UserID: alice, DeviceID: laptop, KeyID: "ed25519:LAPTOP", Signature: "s1", CreatedTS: 1}
	require.NoError(t, store.PutEventSignature(ctx, sig))
	sig.Signature = "s2"
	require.NoError(t, store.PutEventSignature(ctx, sig))

	got, err := store.EventSignatures(ctx, "$e1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].Signature)

	require.NoError(t, store.DeleteEventSignatures(ctx, "$e1"))
	got, err = store.EventSignatures(ctx, "$e1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
