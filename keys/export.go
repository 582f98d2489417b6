package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

var ErrInvalidKey = errors.New("keys: invalid public key")

// PublicKey is an immutable verification key. The zero value is "no key".
type PublicKey struct {
	alg string
	raw string
}

// ParsePublicKey decodes a key string of the form "<alg>:<base64>".
func ParsePublicKey(s string) (PublicKey, error) {
	alg, enc, ok := strings.Cut(s, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("%w: missing algorithm prefix", ErrInvalidKey)
	}
	raw, err := decodeBase64(enc)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	default:
		return PublicKey{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, alg)
	}
	return PublicKey{alg: alg, raw: string(raw)}, nil
}

// MustParsePublicKey is like ParsePublicKey but panics on error.
func MustParsePublicKey(s string) PublicKey {
	k, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// PublicKeyFromEd25519 wraps a raw ed25519 public key.
func PublicKeyFromEd25519(pub ed25519.PublicKey) (PublicKey, error) {
	if l := len(pub); l != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, l)
	}
	return PublicKey{alg: AlgEd25519, raw: string(pub)}, nil
}

func (k PublicKey) Alg() string   { return k.alg }
func (k PublicKey) Bytes() []byte { return []byte(k.raw) }
func (k PublicKey) IsZero() bool  { return k.alg == "" }

func (k PublicKey) Equal(o PublicKey) bool { return k.alg == o.alg && k.raw == o.raw }

// String returns the key string, or "" for the zero key.
func (k PublicKey) String() string {
	if k.IsZero() {
		return ""
	}
	return k.alg + ":" + base64.StdEncoding.EncodeToString([]byte(k.raw))
}

// Verify reports whether sig is a valid signature of message under k.
// It never panics; malformed keys or signatures simply fail.
func (k PublicKey) Verify(message, sig []byte) bool {
	switch k.alg {
	case AlgEd25519:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		digest, _ := digestFor("sha256", message)
		return ed25519.Verify(ed25519.PublicKey(k.raw), digest, sig)
	case AlgDilithium3:
		if len(sig) != mode3.SignatureSize {
			return false
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary([]byte(k.raw)); err != nil {
			return false
		}
		digest, _ := digestFor("sha3-256", message)
		return mode3.Verify(&pk, digest, sig)
	default:
		return false
	}
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
