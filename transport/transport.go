// Package transport moves encoded circles between devices.
//
// Delivery is at-least-once and unordered: a Fetch may return an older blob
// than one already seen, or the same blob twice. Callers defend against this
// with concordance, never with transport state.
package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNoCircle is returned by Fetch when nothing was published under a name.
var ErrNoCircle = errors.New("transport: no circle published")

// Transport publishes and fetches opaque circle blobs keyed by circle name.
type Transport interface {
	Publish(ctx context.Context, name string, blob []byte) error
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Bus is an in-process Transport. It keeps every blob published per name and
// serves the latest one.
type Bus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func NewBus() *Bus {
	return &Bus{published: map[string][][]byte{}}
}

func (b *Bus) Publish(ctx context.Context, name string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[name] = append(b.published[name], slices.Clone(blob))
	return nil
}

func (b *Bus) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.published[name]
	if len(all) == 0 {
		return nil, ErrNoCircle
	}
	return slices.Clone(all[len(all)-1]), nil
}

// Published returns every blob published under name, oldest first.
func (b *Bus) Published(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.published[name]))
	for _, blob := range b.published[name] {
		out = append(out, slices.Clone(blob))
	}
	return out
}

// Multi publishes to every transport concurrently and fetches from the first
// one, in order, that has the circle.
type Multi []Transport

func (m Multi) Publish(ctx context.Context, name string, blob []byte) error {
	if len(m) == 0 {
		return errors.New("transport: Multi has no transports")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range m {
		g.Go(func() error { return t.Publish(ctx, name, blob) })
	}
	return g.Wait()
}

func (m Multi) Fetch(ctx context.Context, name string) ([]byte, error) {
	var errs []error
	for _, t := range m {
		blob, err := t.Fetch(ctx, name)
		if err == nil {
			return blob, nil
		}
		if !errors.Is(err, ErrNoCircle) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoCircle
}
