package testutil

import (
	"context"
	"testing"

	"e2eed/internal/domain"
	"e2eed/internal/services/account"
	"e2eed/internal/store"
)

// TestPassphrase satisfies the account passphrase policy.
const TestPassphrase = "Str0ng&Secure-Pass"

// KeyUploader is satisfied by the device key registry.
type KeyUploader interface {
	Upload(ctx context.Context, user domain.UserID, device domain.DeviceID, req domain.KeyUploadRequest) (domain.KeyUploadResponse, error)
}

// NewTestAccount creates a local account in a temporary directory.
func NewTestAccount(t *testing.T, user domain.UserID, device domain.DeviceID) *account.Account {
	t.Helper()

	svc := account.New(store.NewAccountFileStore(t.TempDir()), FixedClock(), nil)
	acct, _, err := svc.Create(TestPassphrase, user, device)
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	t.Cleanup(acct.Zero)
	return acct
}

// PublishAccount uploads acct's device keys plus otks fresh one-time keys and,
// when fallback is set, a fallback key.
func PublishAccount(t *testing.T, up KeyUploader, acct *account.Account, otks int, fallback bool) domain.KeyUploadResponse {
	t.Helper()

	if otks > 0 {
		if err := acct.GenerateOneTimeKeys(otks); err != nil {
			t.Fatalf("failed to generate one-time keys: %v", err)
		}
	}
	if fallback {
		if err := acct.GenerateFallbackKey(); err != nil {
			t.Fatalf("failed to generate fallback key: %v", err)
		}
	}
	req, err := acct.UploadRequest()
	if err != nil {
		t.Fatalf("failed to build upload request: %v", err)
	}
	resp, err := up.Upload(context.Background(), acct.UserID(), acct.DeviceID(), req)
	if err != nil {
		t.Fatalf("failed to upload keys: %v", err)
	}
	if err := acct.MarkPublished(); err != nil {
		t.Fatalf("failed to mark keys published: %v", err)
	}
	return resp
}
