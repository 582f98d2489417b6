package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"xdao.co/sos/config"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/transport/grpcrelay"
)

func TestServe_RelaysUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	conf := config.Default()
	conf.ArchiveDir = filepath.Join(dir, "archive")
	conf.StateDB = filepath.Join(dir, "relay.db")
	conf.Logger = logging.Config{Environment: "development", Path: filepath.Join(dir, "relay.log")}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, conf, lis) }()

	client, err := grpcrelay.Dial(lis.Addr().String(), grpcrelay.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	client.Timeout = 5 * time.Second

	blob := []byte("circle blob")
	if err := client.Publish(context.Background(), "family", blob); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := client.Fetch(context.Background(), "family")
	if err != nil || !bytes.Equal(got, blob) {
		t.Fatalf("Fetch: %q %v", got, err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestRun_RejectsBadConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d (%s)", code, errOut.String())
	}
}
