package transport

import (
	"context"
	"errors"
	"testing"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, string, []byte) error { return f.err }
func (f failing) Fetch(context.Context, string) ([]byte, error) { return nil, f.err }

func TestBus_LatestWins(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	if _, err := bus.Fetch(ctx, "family"); !errors.Is(err, ErrNoCircle) {
		t.Fatalf("expected ErrNoCircle, got %v", err)
	}
	blob := []byte("one")
	if err := bus.Publish(ctx, "family", blob); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	blob[0] = 'X'
	if err := bus.Publish(ctx, "family", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := bus.Fetch(ctx, "family")
	if err != nil || string(got) != "two" {
		t.Fatalf("Fetch: %q %v", got, err)
	}
	all := bus.Published("family")
	if len(all) != 2 || string(all[0]) != "one" {
		t.Fatalf("published history wrong: %q", all)
	}
}

func TestBus_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewBus().Publish(ctx, "family", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a, b := NewBus(), NewBus()
	m := Multi{a, b}
	if err := m.Publish(ctx, "family", []byte("blob")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, bus := range []*Bus{a, b} {
		if got, err := bus.Fetch(ctx, "family"); err != nil || string(got) != "blob" {
			t.Fatalf("bus %d: %q %v", i, got, err)
		}
	}

	boom := errors.New("boom")
	if err := (Multi{a, failing{boom}}).Publish(ctx, "family", []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, err := (Multi{failing{ErrNoCircle}, a}).Fetch(ctx, "family")
	if err != nil || string(got) != "x" {
		t.Fatalf("fallback fetch: %q %v", got, err)
	}
	if _, err := (Multi{NewBus()}).Fetch(ctx, "family"); !errors.Is(err, ErrNoCircle) {
		t.Fatalf("expected ErrNoCircle, got %v", err)
	}
	if _, err := (Multi{failing{boom}}).Fetch(ctx, "family"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
