package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/sos/storage"
	"xdao.co/sos/storage/sqlite"
	"xdao.co/sos/storage/testkit"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "state", "sos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CASConformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return openStore(t)
	})
}

func TestStore_AccountRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.LoadAccount(ctx, "family")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	snap := storage.AccountSnapshot{
		Circle:        "family",
		PeerRecord:    []byte("peer"),
		TrustedCircle: []byte("circle"),
		Retirees:      [][]byte{[]byte("r1"), []byte("r2")},
		Departure:     "LeftUntrusted",
		Expansion:     map[string][]byte{"backup": []byte("v")},
		UpdatedAt:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAccount(ctx, snap))

	got, err := store.LoadAccount(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, snap.PeerRecord, got.PeerRecord)
	assert.Equal(t, snap.TrustedCircle, got.TrustedCircle)
	assert.Nil(t, got.LastProduced)
	assert.Equal(t, snap.Retirees, got.Retirees)
	assert.Equal(t, snap.Departure, got.Departure)
	assert.Equal(t, snap.Expansion, got.Expansion)
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))

	snap.Retirees = nil
	snap.PeerRecord = nil
	require.NoError(t, store.SaveAccount(ctx, snap))
	got, err = store.LoadAccount(ctx, "family")
	require.NoError(t, err)
	assert.Empty(t, got.Retirees)
	assert.Nil(t, got.PeerRecord)
}

func TestStore_History(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for gen := uint64(1); gen <= 3; gen++ {
		require.NoError(t, store.AppendHistory(ctx, "family", storage.HistoryEntry{
			Generation: gen, CID: "bafy" + string(rune('a'+gen)), AcceptedAt: at.Add(time.Duration(gen) * time.Minute),
		}))
	}
	require.NoError(t, store.AppendHistory(ctx, "work", storage.HistoryEntry{Generation: 9, CID: "bafyz", AcceptedAt: at}))

	hist, err := store.History(ctx, "family")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(1), hist[0].Generation)
	assert.Equal(t, uint64(3), hist[2].Generation)
	assert.True(t, hist[1].AcceptedAt.Equal(at.Add(2*time.Minute)))
}

func TestStore_Heads(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.Head(ctx, "family")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SetHead(ctx, "family", "bafyone"))
	require.NoError(t, store.SetHead(ctx, "family", "bafytwo"))
	head, err := store.Head(ctx, "family")
	require.NoError(t, err)
	assert.Equal(t, "bafytwo", head)
}
