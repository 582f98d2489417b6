package storage

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"xdao.co/sos/cidutil"
)

// Replica is a CAS with a name used in errors and logs.
type Replica struct {
	Name string
	CAS  CAS
}

// Mirror writes every circle blob to all replicas and reads from the first
// replica that holds it. Replicas are consulted in slice order.
type Mirror []Replica

var _ CAS = Mirror(nil)

// Put stores bytes on every replica. Each replica must report the CID computed
// from bytes, otherwise ErrCIDMismatch is returned.
func (m Mirror) Put(bytes []byte) (cid.Cid, error) {
	if len(m) == 0 {
		return cid.Undef, errors.New("storage: mirror has no replicas")
	}
	want, err := cidutil.Sum(bytes)
	if err != nil {
		return cid.Undef, err
	}
	for _, r := range m {
		got, err := r.CAS.Put(bytes)
		if err != nil {
			return cid.Undef, fmt.Errorf("storage: replica %s: %w", r.Name, err)
		}
		if got != want {
			return cid.Undef, fmt.Errorf("storage: replica %s: %w", r.Name, ErrCIDMismatch)
		}
	}
	return want, nil
}

func (m Mirror) Get(id cid.Cid) ([]byte, error) {
	for _, r := range m {
		b, err := r.CAS.Get(id)
		if err == nil {
			return b, nil
		}
		if !IsNotFound(err) {
			return nil, fmt.Errorf("storage: replica %s: %w", r.Name, err)
		}
	}
	return nil, ErrNotFound
}

func (m Mirror) Has(id cid.Cid) bool {
	for _, r := range m {
		if r.CAS.Has(id) {
			return true
		}
	}
	return false
}
