package account

import (
	"errors"
	"fmt"
	"unicode"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
	// ErrAccountExists is returned by Create when an account is already stored.
	ErrAccountExists = errors.New("account already exists")
)

// Service creates and opens the local account.
type Service struct {
	store domain.AccountStore
	clock domain.Clock
	log   domain.Logger
}

// New returns an account service backed by the given store.
func New(store domain.AccountStore, clock domain.Clock, log domain.Logger) *Service {
	if log == nil {
		log = domain.NopLogger{}
	}
	return &Service{store: store, clock: clock, log: log}
}

// Create generates a new account, saves it encrypted with the passphrase and
// returns it together with the identity key fingerprint.
func (s *Service) Create(passphrase string, user domain.UserID, device domain.DeviceID) (*Account, domain.Fingerprint, error) {
	if !isSecurePassphrase(passphrase) {
		return nil, "", ErrWeakPassphrase
	}
	if user == "" || device == "" {
		return nil, "", domain.Validationf("user and device id are required")
	}
	exists, err := s.store.AccountExists()
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrAccountExists
	}

	identityPrivate, _, err := crypto.GenerateX25519()
	if err != nil {
		return nil, "", err
	}
	signingPrivate, _, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, "", err
	}

	st := domain.AccountState{
		UserID:          user,
		DeviceID:        device,
		IdentityPrivate: identityPrivate,
		SigningPrivate:  signingPrivate,
		NextKeyID:       1,
		CreatedAt:       s.clock.Now().UnixMilli(),
	}
	if err := s.store.SaveAccount(passphrase, st); err != nil {
		return nil, "", err
	}
	acct, err := s.bind(passphrase, st)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("account created", "user_id", user, "device_id", device, "fingerprint", acct.Fingerprint())
	return acct, acct.Fingerprint(), nil
}

// Open decrypts the stored account. Changes made through the returned
// Account are written back under the same passphrase.
func (s *Service) Open(passphrase string) (*Account, error) {
	st, err := s.store.LoadAccount(passphrase)
	if err != nil {
		return nil, err
	}
	return s.bind(passphrase, st)
}

// Fingerprint returns the identity key fingerprint of the stored account.
func (s *Service) Fingerprint(passphrase string) (domain.Fingerprint, error) {
	acct, err := s.Open(passphrase)
	if err != nil {
		return "", err
	}
	defer acct.Zero()
	return acct.Fingerprint(), nil
}

func (s *Service) bind(passphrase string, st domain.AccountState) (*Account, error) {
	save := func(st domain.AccountState) error { return s.store.SaveAccount(passphrase, st) }
	return newAccount(st, s.clock, save)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}
