package ssss

import (
	"encoding/base64"

	"e2eed/internal/crypto"
	"e2eed/internal/domain"
)

// PassphraseArgon2id marks a storage key stretched from a passphrase with
// Argon2id.
const PassphraseArgon2id = "org.e2eed.argon2id"

const saltSize = 16

// NewPassphraseInfo returns fresh Argon2id parameters with a random salt.
func NewPassphraseInfo() (domain.PassphraseInfo, error) {
	salt, err := crypto.RandomBytes(saltSize)
	if err != nil {
		return domain.PassphraseInfo{}, err
	}
	p := crypto.DefaultKDFParams()
	return domain.PassphraseInfo{
		Algorithm:   PassphraseArgon2id,
		Salt:        base64.StdEncoding.EncodeToString(salt),
		Iterations:  p.Time,
		Memory:      p.Memory,
		Parallelism: p.Threads,
		Bits:        KeySize * 8,
	}, nil
}

// KeyFromPassphrase derives the storage key described by info.
func KeyFromPassphrase(passphrase string, info domain.PassphraseInfo) ([]byte, error) {
	if info.Algorithm != PassphraseArgon2id {
		return nil, domain.Validationf("unsupported passphrase algorithm %q", info.Algorithm)
	}
	if info.Bits != 0 && info.Bits != KeySize*8 {
		return nil, domain.Validationf("unsupported key length %d bits", info.Bits)
	}
	if info.Iterations == 0 || info.Memory == 0 || info.Parallelism == 0 {
		return nil, domain.Validationf("passphrase parameters are incomplete")
	}
	salt, err := base64.StdEncoding.DecodeString(info.Salt)
	if err != nil || len(salt) == 0 {
		return nil, domain.Validationf("passphrase salt is not base64")
	}
	return crypto.DeriveKey([]byte(passphrase), salt, crypto.KDFParams{
		Time:    info.Iterations,
		Memory:  info.Memory,
		Threads: info.Parallelism,
		KeyLen:  KeySize,
	}), nil
}
