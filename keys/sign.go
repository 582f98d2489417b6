package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// SeedSize is the size of the seed every private key is derived from.
const SeedSize = 32

// Signer produces detached signatures. *PrivateKey implements it; an external
// keychain or HSM can supply its own implementation.
type Signer interface {
	Public() PublicKey
	Sign(message []byte) ([]byte, error)
}

// PrivateKey is a signing key re-derived from a seed.
type PrivateKey struct {
	alg string
	ed  ed25519.PrivateKey
	dil *mode3.PrivateKey
	pub PublicKey
}

var _ Signer = (*PrivateKey)(nil)

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlg)
	}
}

// FromSeed derives the private key for alg from a 32-byte seed.
func FromSeed(alg string, seed []byte) (*PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	switch alg {
	case AlgEd25519:
		priv := ed25519.NewKeyFromSeed(seed)
		pub, err := PublicKeyFromEd25519(priv.Public().(ed25519.PublicKey))
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, ed: priv, pub: pub}, nil
	case AlgDilithium3:
		var s [mode3.SeedSize]byte
		copy(s[:], seed)
		pk, sk := mode3.NewKeyFromSeed(&s)
		raw, err := pk.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, dil: sk, pub: PublicKey{alg: alg, raw: string(raw)}}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", alg)
	}
}

// Generate creates a new private key for alg, reading its seed from rand.
// It also returns the seed so the caller can persist it.
func Generate(alg string, rand io.Reader) (*PrivateKey, []byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, fmt.Errorf("read seed: %w", err)
	}
	k, err := FromSeed(alg, seed)
	if err != nil {
		return nil, nil, err
	}
	return k, seed, nil
}

func (k *PrivateKey) Alg() string       { return k.alg }
func (k *PrivateKey) Public() PublicKey { return k.pub }

// Sign returns a detached signature over message.
func (k *PrivateKey) Sign(message []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("missing private key")
	}
	switch k.alg {
	case AlgEd25519:
		digest, err := digestFor("sha256", message)
		if err != nil {
			return nil, err
		}
		return ed25519.Sign(k.ed, digest), nil
	case AlgDilithium3:
		digest, err := digestFor("sha3-256", message)
		if err != nil {
			return nil, err
		}
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(k.dil, digest, sig)
		return sig, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", k.alg)
	}
}
