package logging

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_RejectsUnknownEnvironment(t *testing.T) {
	if _, err := New(Config{Environment: "staging"}); err == nil {
		t.Fatalf("expected error for unknown environment")
	}
	if err := (Config{Environment: "Production"}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNew_WritesToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sos.log")
	l, err := New(Config{Environment: "development", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("hello", "k", 1)
	_ = l.Sync()
}

func TestWith_CarriesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core)).With("circle", "family")
	l.Debug("dropped")
	l.Info("accepted", "generation", 3)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry at info, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["circle"] != "family" || fields["generation"] != int64(3) {
		t.Fatalf("unexpected fields %v", fields)
	}
}
