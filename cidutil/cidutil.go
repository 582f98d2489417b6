// Package cidutil derives content identifiers for canonical bytes.
//
// Every identifier in this module is a CIDv1 with the "raw" multicodec and a
// sha2-256 multihash, so identifiers are stable across platforms and directly
// usable as keys in a content-addressable store.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sum returns the CIDv1 (raw + sha2-256) of data.
func Sum(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// String returns the string form of Sum(data), or "" if hashing fails.
func String(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		// multihash.Sum only fails for unknown codes or invalid lengths.
		return ""
	}
	return id.String()
}

// PeerID derives a stable peer identifier from a public key string
// ("<alg>:<base64>").
func PeerID(keyString string) string {
	return String([]byte("sos-peer-v1\x00" + keyString))
}

// Matches reports whether id is the identifier of data.
func Matches(id cid.Cid, data []byte) bool {
	got, err := Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(id)
}

// IsCID reports whether s is the string form of a CID.
func IsCID(s string) bool {
	_, err := cid.Decode(s)
	return err == nil
}
