package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/pkg/types"
)

func TestIsProtocolCorruption(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Protocol error (Page.navigate): Target closed"), true},
		{fmt.Errorf("initialize: %w", errors.New("Session closed. Most likely the page has been closed.")), true},
		{&RemoteError{Method: "initialize", Message: "Protocol error: boom"}, true},
		{errors.New("context deadline exceeded"), false},
		{errors.New("protocol error"), false},
	}
	for _, tt := range tests {
		if got := IsProtocolCorruption(tt.err); got != tt.want {
			t.Errorf("IsProtocolCorruption(%v) = %v, expected %v", tt.err, got, tt.want)
		}
	}
}

func TestFactory_NewAndWipe(t *testing.T) {
	root := t.TempDir()
	cfg := &config.ConnectorConfig{
		Command:  "envios-driver",
		AuthDir:  filepath.Join(root, "auth"),
		CacheDir: filepath.Join(root, "cache"),
	}
	factory := NewFactory(cfg, nil, zerolog.Nop())

	conn, err := factory.New("acme")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = conn.Destroy(context.Background()) }()

	authDir := filepath.Join(cfg.AuthDir, "session-acme")
	cacheDir := filepath.Join(cfg.CacheDir, "acme")
	for _, dir := range []string{authDir, cacheDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("Expected %s to exist: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(authDir, "state.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := factory.WipeArtifacts("acme"); err != nil {
		t.Fatalf("WipeArtifacts failed: %v", err)
	}
	for _, dir := range []string{authDir, cacheDir} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed, stat err: %v", dir, err)
		}
	}

	if err := factory.WipeArtifacts("acme"); err != nil {
		t.Errorf("Wiping absent artifacts should succeed: %v", err)
	}
}

func TestFactory_RejectsUnsafeTenantIDs(t *testing.T) {
	factory := NewFactory(&config.ConnectorConfig{Command: "x", AuthDir: t.TempDir(), CacheDir: t.TempDir()}, nil, zerolog.Nop())

	for _, id := range []string{"", "../etc", "a/b", "tenant id"} {
		if _, err := factory.New(id); !errors.Is(err, types.ErrInvalidTenantID) {
			t.Errorf("New(%q): expected ErrInvalidTenantID, got %v", id, err)
		}
		if err := factory.WipeArtifacts(id); !errors.Is(err, types.ErrInvalidTenantID) {
			t.Errorf("WipeArtifacts(%q): expected ErrInvalidTenantID, got %v", id, err)
		}
	}
}

func TestScripted_EventsAndTeardown(t *testing.T) {
	factory := NewScriptedFactory()
	factory.Configure(func(s *Scripted) {
		s.OnInitialize(func(s *Scripted) {
			s.Emit(types.ConnectorEvent{Kind: types.EventPairing, QR: "ref"})
		})
	})

	conn, err := factory.New("acme")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := conn.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if ev := <-conn.Events(); ev.Kind != types.EventPairing {
		t.Errorf("Expected pairing event, got %v", ev.Kind)
	}
	if state, _ := conn.LiveState(ctx); state != ScriptedStateUnpaired {
		t.Errorf("Expected %s, got %s", ScriptedStateUnpaired, state)
	}

	s := factory.Latest("acme")
	s.Unregister("593000000000")
	if _, ok, _ := conn.ResolveRecipient(ctx, "593000000000"); ok {
		t.Error("Unregistered address should not resolve")
	}

	if err := conn.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if s.Emit(types.ConnectorEvent{Kind: types.EventReady}) {
		t.Error("Emit after Destroy should report false")
	}
	if _, ok := <-conn.Events(); ok {
		t.Error("Events should be closed after Destroy")
	}
	_ = conn.Destroy(ctx)
	if inits, _, destroys := s.Calls(); inits != 1 || destroys != 2 {
		t.Errorf("Unexpected call counts: inits=%d destroys=%d", inits, destroys)
	}
	if factory.Created("acme") != 1 {
		t.Errorf("Expected 1 connector, got %d", factory.Created("acme"))
	}
}
