package storage

import (
	"context"
	"time"
)

// AccountSnapshot is the persisted form of one device's account trust state.
// Every circle and peer value is held in its canonical encoding.
type AccountSnapshot struct {
	Circle        string
	PeerRecord    []byte
	TrustedCircle []byte
	LastProduced  []byte
	Retirees      [][]byte
	Departure     string
	Expansion     map[string][]byte
	UpdatedAt     time.Time
}

// HistoryEntry records one accepted circle.
type HistoryEntry struct {
	Generation uint64
	CID        string
	AcceptedAt time.Time
}

// StateStore persists account trust across restarts.
type StateStore interface {
	SaveAccount(ctx context.Context, snap AccountSnapshot) error
	// LoadAccount returns ErrNotFound when nothing was saved for circle.
	LoadAccount(ctx context.Context, circle string) (*AccountSnapshot, error)
	AppendHistory(ctx context.Context, circle string, e HistoryEntry) error
	History(ctx context.Context, circle string) ([]HistoryEntry, error)
}

// HeadStore tracks the latest published blob per circle name for a relay.
type HeadStore interface {
	SetHead(ctx context.Context, circle, cid string) error
	// Head returns ErrNotFound when nothing was published for circle.
	Head(ctx context.Context, circle string) (string, error)
}
