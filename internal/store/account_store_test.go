package store_test

import (
	"errors"
	"os"
	"testing"

	"e2eed/internal/domain"
	"e2eed/internal/store"
)

func sampleAccount() domain.AccountState {
	return domain.AccountState{
		UserID:          "@alice:example.org",
		DeviceID:        "LAPTOP",
		IdentityPrivate: domain.X25519Private{1},
		SigningPrivate:  domain.Ed25519Private{2},
		OneTimeKeys: []domain.PrekeySecret{
			{KeyID: "AAAAAQ", Private: domain.X25519Private{3}, Public: domain.X25519Public{4}},
		},
		FallbackKey: &domain.PrekeySecret{KeyID: "AAAAAg", Public: domain.X25519Public{5}},
		NextKeyID:   3,
	}
}

func TestAccount_SaveLoad_OK(t *testing.T) {
	home := t.TempDir()
	pass := "Correct-Horse-9"

	var accounts domain.AccountStore = store.NewAccountFileStore(home)

	if err := accounts.SaveAccount(pass, sampleAccount()); err != nil {
		t.Fatalf("save account: %v", err)
	}
	ok, err := accounts.AccountExists()
	if err != nil || !ok {
		t.Fatalf("account should exist: %v %v", ok, err)
	}

	got, err := accounts.LoadAccount(pass)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	want := sampleAccount()
	if got.IdentityPrivate != want.IdentityPrivate || got.SigningPrivate != want.SigningPrivate {
		t.Fatalf("identity mismatch after load")
	}
	if len(got.OneTimeKeys) != 1 || got.OneTimeKeys[0].KeyID != "AAAAAQ" {
		t.Fatalf("one-time keys mismatch: %+v", got.OneTimeKeys)
	}
	if got.FallbackKey == nil || got.FallbackKey.Public != want.FallbackKey.Public {
		t.Fatalf("fallback key mismatch")
	}
}

func TestAccount_WrongPassphrase_Fails(t *testing.T) {
	home := t.TempDir()
	accounts := store.NewAccountFileStore(home)

	if err := accounts.SaveAccount("correct", sampleAccount()); err != nil {
		t.Fatalf("save account: %v", err)
	}
	if _, err := accounts.LoadAccount("wrong"); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
}

func TestAccount_Missing(t *testing.T) {
	accounts := store.NewAccountFileStore(t.TempDir())

	ok, err := accounts.AccountExists()
	if err != nil || ok {
		t.Fatalf("no account expected: %v %v", ok, err)
	}
	if _, err := accounts.LoadAccount("x"); !errors.Is(err, store.ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
}

func TestAccount_FileIsPrivate(t *testing.T) {
	accounts := store.NewAccountFileStore(t.TempDir())
	if err := accounts.SaveAccount("pw", sampleAccount()); err != nil {
		t.Fatalf("save account: %v", err)
	}
	info, err := os.Stat(accounts.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}
