package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the account user key from a secret.
const (
	userKeyTime    = 1
	userKeyMemory  = 64 * 1024
	userKeyThreads = 4
)

// DeriveSeed deterministically derives a purpose-specific seed from a root seed.
func DeriveSeed(rootSeed []byte, purpose string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if err := CheckKeyName(purpose); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("sos-seed-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("purpose:"))
	_, _ = h.Write([]byte(purpose))
	sum := h.Sum(nil)
	out := make([]byte, SeedSize)
	copy(out, sum[:SeedSize])
	return out, nil
}

// DeriveUserKey derives the account-level user key from the account secret.
// Every device holding the same secret derives the same key; the account name
// salts the derivation so equal secrets on different accounts diverge.
func DeriveUserKey(secret []byte, account string, alg string) (*PrivateKey, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty account secret")
	}
	if account == "" {
		return nil, errors.New("empty account name")
	}
	salt := sha256.Sum256([]byte("sos-user-key-v1\x00" + account))
	seed := argon2.IDKey(secret, salt[:], userKeyTime, userKeyMemory, userKeyThreads, SeedSize)
	return FromSeed(alg, seed)
}
