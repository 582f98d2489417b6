package peer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"xdao.co/sos/keys"
)

// FullPeerInfo is the local device's identity. Like PeerInfo it is immutable:
// every update returns a new value with a higher serial.
type FullPeerInfo struct {
	info   *PeerInfo
	signer keys.Signer
}

// NewFullPeerInfo creates and self-signs the first record for signer.
func NewFullPeerInfo(signer keys.Signer, gestalt map[string]string, views []string) (*FullPeerInfo, error) {
	if signer == nil {
		return nil, errors.New("peer: nil signer")
	}
	info, err := signRecord(signer, recordFields{gestalt: gestalt, views: views, serial: 1})
	if err != nil {
		return nil, err
	}
	return &FullPeerInfo{info: info, signer: signer}, nil
}

// RestoreFullPeerInfo pairs a previously signed record with its signer. It
// fails when the signer's key does not match the record.
func RestoreFullPeerInfo(signer keys.Signer, record []byte) (*FullPeerInfo, error) {
	if signer == nil {
		return nil, errors.New("peer: nil signer")
	}
	info, err := ParseRecord(record)
	if err != nil {
		return nil, err
	}
	if !info.Key().Equal(signer.Public()) {
		return nil, fmt.Errorf("%w: signer does not own record %s", ErrInvalidRecord, info.ID())
	}
	return &FullPeerInfo{info: info, signer: signer}, nil
}

func (f *FullPeerInfo) PeerInfo() *PeerInfo { return f.info }
func (f *FullPeerInfo) ID() string          { return f.info.ID() }

// Sign produces this peer's detached signature over message.
func (f *FullPeerInfo) Sign(message []byte) ([]byte, error) {
	return f.signer.Sign(message)
}

// Validate reports whether f is usable: it must hold a signer whose key owns a
// correctly self-signed record.
func (f *FullPeerInfo) Validate() error {
	if f == nil || f.info == nil || f.signer == nil {
		return fmt.Errorf("%w: incomplete full peer info", ErrInvalidRecord)
	}
	if !f.info.Key().Equal(f.signer.Public()) {
		return fmt.Errorf("%w: signer does not own record", ErrInvalidRecord)
	}
	return nil
}

// WithViews re-signs the record with a new view set.
func (f *FullPeerInfo) WithViews(views []string) (*FullPeerInfo, error) {
	return f.resign(func(r *recordFields) { r.views = views })
}

// WithGestalt re-signs the record with a new gestalt.
func (f *FullPeerInfo) WithGestalt(gestalt map[string]string) (*FullPeerInfo, error) {
	return f.resign(func(r *recordFields) { r.gestalt = gestalt })
}

// Retire produces the retirement ticket: the same identity, re-signed with a
// retirement stamp. A retired identity cannot be un-retired.
func (f *FullPeerInfo) Retire(at time.Time) (*FullPeerInfo, error) {
	if f.info.IsRetired() {
		return f, nil
	}
	if at.IsZero() {
		return nil, errors.New("peer: zero retirement time")
	}
	return f.resign(func(r *recordFields) { r.retired = at.Truncate(time.Second) })
}

func (f *FullPeerInfo) resign(edit func(*recordFields)) (*FullPeerInfo, error) {
	fields := recordFields{
		gestalt: maps.Clone(f.info.gestalt),
		views:   slices.Clone(f.info.views),
		serial:  f.info.serial + 1,
		retired: f.info.retired,
	}
	edit(&fields)
	info, err := signRecord(f.signer, fields)
	if err != nil {
		return nil, err
	}
	return &FullPeerInfo{info: info, signer: f.signer}, nil
}
