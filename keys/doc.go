// Package keys provides the signing keys used by circle peers and by the
// account-level user key.
//
// Two algorithms are supported:
//   - ed25519, signing sha256(message)
//   - dilithium3 (post-quantum), signing sha3-256(message)
//
// Public keys travel as key strings "<alg>:<base64>". Private keys are never
// serialized; they are re-derived from 32-byte seeds held by a KeyStore or
// derived from an account secret.
package keys
