package ssss_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/domain"
	"e2eed/internal/services/ssss"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/testutil"
)

const alice domain.UserID = "@alice:example.org"

func newService(t *testing.T) *ssss.Service {
	t.Helper()
	return ssss.New(sqlite.NewSecretStorageStore(testutil.NewTestDB(t)),
		testutil.NewStubIDGenerator(), testutil.FixedClock(), nil)
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	key, desc, err := ssss.NewKeyDescriptor("recovery")
	require.NoError(t, err)
	created, err := svc.CreateKey(ctx, alice, desc)
	require.NoError(t, err)
	assert.NotEmpty(t, created.KeyID, "id is assigned")

	got, err := svc.Key(ctx, alice, created.KeyID)
	require.NoError(t, err)
	assert.Equal(t, "recovery", got.Name)
	require.NoError(t, ssss.CheckKey(key, got))

	wrong := make([]byte, ssss.KeySize)
	assert.ErrorIs(t, ssss.CheckKey(wrong, got), ssss.ErrWrongKey)

	_, err = svc.CreateKey(ctx, alice, domain.SecretStorageKey{KeyID: "k2", Algorithm: "m.unknown"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.CreateKey(ctx, alice, domain.SecretStorageKey{KeyID: "k2", Algorithm: domain.SecretStorageAESHMACSHA2, IV: "AAAA"})
	assert.ErrorIs(t, err, domain.ErrValidation, "iv without mac")
	_, err = svc.CreateKey(ctx, alice, domain.SecretStorageKey{KeyID: "k2", Algorithm: domain.SecretStorageCurve25519AESSHA2, PublicKey: "short"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.CreateKey(ctx, alice, domain.SecretStorageKey{KeyID: "k2", Algorithm: domain.SecretStorageAESHMACSHA2})
	require.NoError(t, err)
	keys, err := svc.Keys(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, svc.DeleteKey(ctx, alice, "k2"))
	assert.ErrorIs(t, svc.DeleteKey(ctx, alice, "k2"), domain.ErrNotFound)
	_, err = svc.Key(ctx, alice, "k2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSecrets_RoundTripAndListing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	key, desc, err := ssss.NewKeyDescriptor("")
	require.NoError(t, err)
	desc.KeyID = "main"
	_, err = svc.CreateKey(ctx, alice, desc)
	require.NoError(t, err)

	sealed, err := ssss.Seal(key, "m.cross_signing.master", []byte("master private key"))
	require.NoError(t, err)
	require.NoError(t, svc.StoreSecret(ctx, alice, "m.cross_signing.master", sealed, "main"))
	require.NoError(t, svc.StoreSecret(ctx, alice, "m.megolm_backup.v1", "blob", "dangling"),
		"a key id without a descriptor is accepted")

	sec, err := svc.Secret(ctx, alice, "m.cross_signing.master")
	require.NoError(t, err)
	assert.Equal(t, sealed, sec.EncryptedSecret)
	assert.Equal(t, "main", sec.KeyID)
	plain, err := ssss.Open(key, sec.Name, sec.EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, "master private key", string(plain))

	listed, err := svc.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "m.cross_signing.master", listed[0].Name)

	resp, err := svc.Secrets(ctx, alice, domain.SecretsRequest{Secrets: []string{"m.cross_signing.master", "m.megolm_backup.v1", "nope"}})
	require.NoError(t, err)
	assert.Len(t, resp.Secrets, 2)
	resp, err = svc.Secrets(ctx, alice, domain.SecretsRequest{Secrets: []string{"m.cross_signing.master", "m.megolm_backup.v1"}, Keys: []string{"dangling"}})
	require.NoError(t, err)
	assert.Len(t, resp.Secrets, 1)
	assert.Contains(t, resp.Secrets, "m.megolm_backup.v1")

	has, err := svc.HasSecrets(ctx, alice)
	require.NoError(t, err)
	assert.True(t, has)
	require.NoError(t, svc.DeleteKey(ctx, alice, "main"))
	has, err = svc.HasSecrets(ctx, alice)
	require.NoError(t, err)
	assert.False(t, has, "only secrets with an existing descriptor count")

	n, err := svc.DeleteSecrets(ctx, alice, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = svc.DeleteSecrets(ctx, alice, []string{"m.cross_signing.master", "missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = svc.Secret(ctx, alice, "m.cross_signing.master")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, svc.StoreSecret(ctx, alice, "", "x", "main"), domain.ErrValidation)
}

func TestAESHMAC(t *testing.T) {
	key := make([]byte, ssss.KeySize)
	key[0] = 1

	e, err := ssss.Encrypt(key, "name", []byte("secret"))
	require.NoError(t, err)

	_, err = ssss.Decrypt(key, "other name", e)
	assert.Error(t, err, "name is bound into the keys")

	tampered := e
	tampered.Ciphertext = e.MAC
	_, err = ssss.Decrypt(key, "name", tampered)
	assert.Error(t, err)

	_, err = ssss.Encrypt(key[:16], "name", nil)
	assert.Error(t, err)

	pt, err := ssss.Decrypt(key, "name", e)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(pt))
}

func TestKeyFromPassphrase(t *testing.T) {
	info, err := ssss.NewPassphraseInfo()
	require.NoError(t, err)
	assert.Equal(t, ssss.PassphraseArgon2id, info.Algorithm)

	// Cheap parameters keep the test fast.
	info.Iterations, info.Memory, info.Parallelism = 1, 64, 1

	k1, err := ssss.KeyFromPassphrase("correct horse", info)
	require.NoError(t, err)
	k2, err := ssss.KeyFromPassphrase("correct horse", info)
	require.NoError(t, err)
	k3, err := ssss.KeyFromPassphrase("wrong horse", info)
	require.NoError(t, err)
	assert.Len(t, k1, ssss.KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	desc, err := ssss.Describe(k1, "from passphrase")
	require.NoError(t, err)
	require.NoError(t, ssss.CheckKey(k2, desc))

	info.Algorithm = "m.pbkdf2"
	_, err = ssss.KeyFromPassphrase("correct horse", info)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
