package grpcrelay

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/storage"
	"xdao.co/sos/storage/localfs"
	"xdao.co/sos/storage/sqlite"
	"xdao.co/sos/transport"
)

func startRelay(t *testing.T) *Client {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	heads, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { heads.Close() })

	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterRelayServer(srv, &Server{CAS: cas, Heads: heads})
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	client, err := Dial("bufnet", DialOptions{GRPC: []grpc.DialOption{grpc.WithContextDialer(dialer)}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Timeout = 2 * time.Second
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRelay_PublishFetchGet(t *testing.T) {
	client := startRelay(t)
	ctx := context.Background()

	if _, err := client.Fetch(ctx, "family"); !errors.Is(err, transport.ErrNoCircle) {
		t.Fatalf("expected ErrNoCircle, got %v", err)
	}

	first := []byte("circle generation 1")
	second := []byte("circle generation 2")
	id1, err := client.PublishCID(ctx, "family", first)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := client.Publish(ctx, "family", second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := client.Fetch(ctx, "family")
	if err != nil || string(got) != string(second) {
		t.Fatalf("Fetch: %q %v", got, err)
	}
	old, err := client.Get(ctx, id1)
	if err != nil || string(old) != string(first) {
		t.Fatalf("Get: %q %v", old, err)
	}
	missing, _ := cidutil.Sum([]byte("never published"))
	if _, err := client.Get(ctx, missing); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRelay_PublishRequiresCircleName(t *testing.T) {
	client := startRelay(t)
	_, err := client.client.Publish(context.Background(), wrapperspb.Bytes([]byte("x")))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRelay_ImplementsTransport(t *testing.T) {
	client := startRelay(t)
	ctx := context.Background()
	var tr transport.Transport = transport.Multi{client, transport.NewBus()}
	if err := tr.Publish(ctx, "family", []byte("fan out")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := client.Fetch(ctx, "family")
	if err != nil || string(got) != "fan out" {
		t.Fatalf("Fetch: %q %v", got, err)
	}
}
