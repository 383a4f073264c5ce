package sqlite_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/domain"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/testutil"
)

func TestSecretStorageStore_KeysAndSecrets(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewSecretStorageStore(testutil.NewTestDB(t))

	key := domain.SecretStorageKey{UserID: alice, KeyID: "k1", Algorithm: domain.SecretStorageAESHMACSHA2, IV: "iv", MAC: "mac", CreatedTS: 10}
	require.NoError(t, store.PutStorageKey(ctx, key))

	got, err := store.StorageKey(ctx, alice, "k1")
	require.NoError(t, err)
	assert.Equal(t, "mac", got.MAC)
	assert.Equal(t, alice, got.UserID)

	require.NoError(t, store.PutSecret(ctx, domain.StoredSecret{UserID: alice, Name: "m.cross_signing.master", EncryptedSecret: "enc1", KeyID: "k1"}))
	require.NoError(t, store.PutSecret(ctx, domain.StoredSecret{UserID: alice, Name: "orphan", EncryptedSecret: "enc2", KeyID: "missing"}))

	listed, err := store.SecretsWithKeys(ctx, alice)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "m.cross_signing.master", listed[0].Name)

	batch, err := store.Secrets(ctx, alice, []string{"orphan", "m.cross_signing.master", "absent"})
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	empty, err := store.Secrets(ctx, alice, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	n, err := store.DeleteSecrets(ctx, alice, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.DeleteStorageKey(ctx, alice, "k1"))
	assert.ErrorIs(t, store.DeleteStorageKey(ctx, alice, "k1"), domain.ErrNotFound)
	listed, err = store.SecretsWithKeys(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, listed)

	n, err = store.DeleteSecrets(ctx, alice, []string{"orphan", "absent"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKeyRequestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewKeyRequestStore(testutil.NewTestDB(t))

	req := domain.KeyRequest{
		RequestID: "r1", UserID: alice, DeviceID: laptop, RoomID: "!r", SessionID: "s",
		Algorithm: domain.AlgorithmMegolm, Action: domain.ActionRequest, CreatedTS: 100,
	}
	require.NoError(t, store.CreateKeyRequest(ctx, req))
	assert.ErrorIs(t, store.CreateKeyRequest(ctx, req), domain.ErrConflict)

	pending, err := store.PendingKeyRequests(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	ok, err := store.FulfillKeyRequest(ctx, "r1", phone, 200)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.FulfillKeyRequest(ctx, "r1", phone, 300)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.KeyRequest(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.Fulfilled)
	assert.Equal(t, phone, got.FulfilledByDevice)
	assert.Equal(t, int64(200), got.FulfilledTS)

	pending, err = store.PendingKeyRequests(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := store.DeleteFulfilledKeyRequests(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKeyRequestStore_CancelAndStale(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewKeyRequestStore(testutil.NewTestDB(t))

	assert.ErrorIs(t, store.CancelKeyRequest(ctx, "missing"), domain.ErrNotFound)

	for i, id := range []string{"r1", "r2"} {
		require.NoError(t, store.CreateKeyRequest(ctx, domain.KeyRequest{
			RequestID: id, UserID: alice, DeviceID: laptop, RoomID: "!r", SessionID: "s",
			Algorithm: domain.AlgorithmMegolm, Action: domain.ActionRequest, CreatedTS: int64(100 * (i + 1)),
		}))
	}

	require.NoError(t, store.CancelKeyRequest(ctx, "r1"))
	require.NoError(t, store.CancelKeyRequest(ctx, "r1"))
	ok, err := store.FulfillKeyRequest(ctx, "r1", phone, 150)
	require.NoError(t, err)
	assert.False(t, ok, "cancelled requests cannot be fulfilled")

	n, err := store.DeleteUnfulfilledKeyRequests(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestToDeviceStore_Ordering(t *testing.T) {
	ctx := context.Background()
	store := sqlite.NewToDeviceStore(testutil.NewTestDB(t))

	add := func(id string, ts int64) {
		require.NoError(t, store.AddToDeviceMessage(ctx, domain.ToDeviceMessage{
			ID: id, UserID: bob, DeviceID: phone, Sender: alice, Type: "m.room_key",
			Content: json.RawMessage(`{}`), CreatedTS: ts,
		}))
	}
	add("c", 2)
	add("b", 1)
	add("a", 2)

	msgs, err := store.ToDeviceMessages(ctx, bob, phone, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	limited, err := store.ToDeviceMessages(ctx, bob, phone, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	n, err := store.DeleteToDeviceMessages(ctx, bob, phone, []string{"a", "b", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = store.AddToDeviceMessage(ctx, domain.ToDeviceMessage{ID: "c", UserID: bob, DeviceID: phone, Sender: alice, Type: "t", Content: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrConflict)
}
