// Package storage defines the content-addressed archive that keeps every
// circle a device has accepted, keyed by the CID of its canonical encoding.
package storage

import "github.com/ipfs/go-cid"

// CAS is a minimal content-addressable storage interface.
//
// Contract:
// - Put MUST be idempotent.
// - Stored objects MUST be immutable.
// - CIDs MUST be derived from the bytes written (callers supply canonical circle encodings).
// - Get MUST return ErrNotFound when the CID is absent.
type CAS interface {
	Put(bytes []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}

// GetString is Get for a CID in string form.
func GetString(cas CAS, id string) ([]byte, error) {
	c, err := cid.Decode(id)
	if err != nil || !c.Defined() {
		return nil, ErrInvalidCID
	}
	return cas.Get(c)
}
