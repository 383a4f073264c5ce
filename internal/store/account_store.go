package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"e2eed/internal/domain"
	"e2eed/internal/util/atomicfile"
	"e2eed/internal/util/memzero"
)

const accountFilename = "account.json.enc"

// ErrNoAccount is returned by LoadAccount when no account file exists.
var ErrNoAccount = errors.New("no account found; run init first")

// AccountFileStore persists the local account to disk.
type AccountFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewAccountFileStore returns an AccountFileStore rooted at dir.
func NewAccountFileStore(dir string) *AccountFileStore {
	return &AccountFileStore{dir: dir}
}

// Path is the location of the account file.
func (s *AccountFileStore) Path() string { return filepath.Join(s.dir, accountFilename) }

// SaveAccount writes the encrypted account to disk.
func (s *AccountFileStore) SaveAccount(passphrase string, st domain.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	defer memzero.Zero(raw)

	ct, err := encrypt(passphrase, raw, scryptParamsDefault())
	if err != nil {
		return fmt.Errorf("encrypt account: %w", err)
	}
	return atomicfile.Write(s.Path(), bytes.NewReader(ct), 0o600)
}

// LoadAccount reads and decrypts the account.
func (s *AccountFileStore) LoadAccount(passphrase string) (domain.AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := atomicfile.ReadOptional(s.Path())
	if err != nil {
		return domain.AccountState{}, err
	}
	if b == nil {
		return domain.AccountState{}, ErrNoAccount
	}
	pt, err := decrypt(passphrase, b)
	if err != nil {
		return domain.AccountState{}, err
	}
	defer memzero.Zero(pt)

	var st domain.AccountState
	if err := json.Unmarshal(pt, &st); err != nil {
		return domain.AccountState{}, fmt.Errorf("decode account: %w", err)
	}
	return st, nil
}

// AccountExists reports whether an account file is present.
func (s *AccountFileStore) AccountExists() (bool, error) {
	_, err := os.Stat(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Compile-time assertion that AccountFileStore implements domain.AccountStore.
var _ domain.AccountStore = (*AccountFileStore)(nil)
