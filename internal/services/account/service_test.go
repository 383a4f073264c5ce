package account_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/services/account"
	"e2eed/internal/store"
	"e2eed/internal/testutil"
)

const pass = "Str0ng&Secure-Pass"

func newService(t *testing.T) *account.Service {
	t.Helper()
	return account.New(store.NewAccountFileStore(t.TempDir()), testutil.FixedClock(), nil)
}

func TestCreate_RejectsWeakPassphrase(t *testing.T) {
	svc := newService(t)
	for _, weak := range []string{"short1!A", "alllowercase123!", "NoDigitsHere!!", "NoSymbols12345"} {
		_, _, err := svc.Create(weak, "@a:x", "DEV")
		assert.ErrorIs(t, err, account.ErrWeakPassphrase, weak)
	}
}

func TestCreate_OpenRoundTrip(t *testing.T) {
	svc := newService(t)

	acct, fp, err := svc.Create(pass, "@alice:example.org", "LAPTOP")
	require.NoError(t, err)
	assert.Len(t, string(fp), 20)

	_, _, err = svc.Create(pass, "@alice:example.org", "LAPTOP")
	assert.ErrorIs(t, err, account.ErrAccountExists)

	reopened, err := svc.Open(pass)
	require.NoError(t, err)
	assert.Equal(t, acct.IdentityKey(), reopened.IdentityKey())
	assert.Equal(t, acct.SigningKey(), reopened.SigningKey())

	got, err := svc.Fingerprint(pass)
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	_, err = svc.Open("Wrong-passphrase-1")
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestDeviceKeys_SelfSigned(t *testing.T) {
	acct, _, err := newService(t).Create(pass, "@alice:example.org", "LAPTOP")
	require.NoError(t, err)

	dk, err := acct.DeviceKeys()
	require.NoError(t, err)
	assert.Equal(t, acct.IdentityKey().String(), dk.IdentityKey())

	sig, ok := dk.Signatures.Get("@alice:example.org", "ed25519:LAPTOP")
	require.True(t, ok)
	canonical, err := domain.CanonicalJSON(dk)
	require.NoError(t, err)
	require.NoError(t, crypto.VerifyEd25519Base64(dk.SigningKey(), canonical, sig))
}

func TestPrekeys_PublishAndConsume(t *testing.T) {
	svc := newService(t)
	acct, _, err := svc.Create(pass, "@alice:example.org", "LAPTOP")
	require.NoError(t, err)

	require.NoError(t, acct.GenerateOneTimeKeys(3))
	require.NoError(t, acct.GenerateFallbackKey())

	otks, fallback, err := acct.UnpublishedKeys()
	require.NoError(t, err)
	assert.Len(t, otks, 3)
	assert.Len(t, fallback, 1)
	assert.Contains(t, otks, "signed_curve25519:AAAAAQ")

	for id, k := range otks {
		sig, ok := k.Signatures.Get("@alice:example.org", "ed25519:LAPTOP")
		require.True(t, ok, id)
		canonical, err := domain.CanonicalJSON(k)
		require.NoError(t, err)
		require.NoError(t, crypto.VerifyEd25519Base64(acct.SigningKey().String(), canonical, sig))
	}

	require.NoError(t, acct.MarkPublished())
	otks, fallback, err = acct.UnpublishedKeys()
	require.NoError(t, err)
	assert.Empty(t, otks)
	assert.Empty(t, fallback)

	// Consumption is persisted.
	reopened, err := svc.Open(pass)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.OneTimeKeyCount())

	require.NoError(t, reopened.GenerateOneTimeKeys(1))
	fresh, _, err := reopened.UnpublishedKeys()
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	var first domain.X25519Public
	for _, k := range fresh {
		first, err = crypto.ParseX25519Public(k.Key)
		require.NoError(t, err)
	}
	_, isFallback, ok := reopened.PrekeyPrivate(first)
	require.True(t, ok)
	assert.False(t, isFallback)

	removed, err := reopened.RemoveOneTimeKey(first)
	require.NoError(t, err)
	assert.True(t, removed)
	_, _, ok = reopened.PrekeyPrivate(first)
	assert.False(t, ok)
}

func TestFallbackRotationKeepsPrevious(t *testing.T) {
	acct, _, err := newService(t).Create(pass, "@alice:example.org", "LAPTOP")
	require.NoError(t, err)

	require.NoError(t, acct.GenerateFallbackKey())
	_, fb1, err := acct.UnpublishedKeys()
	require.NoError(t, err)
	require.NoError(t, acct.MarkPublished())
	require.NoError(t, acct.GenerateFallbackKey())

	for _, k := range fb1 {
		pub, err := crypto.ParseX25519Public(k.Key)
		require.NoError(t, err)
		_, isFallback, ok := acct.PrekeyPrivate(pub)
		assert.True(t, ok)
		assert.True(t, isFallback)

		removed, err := acct.RemoveOneTimeKey(pub)
		require.NoError(t, err)
		assert.False(t, removed, "fallback keys are not consumed")
	}
}
