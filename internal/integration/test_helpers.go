package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/app"
	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/internal/connector"
	"github.com/intelhome/envios/pkg/types"
)

// Stack is a running gateway backed by scripted connectors.
type Stack struct {
	App     *app.Application
	Factory *connector.ScriptedFactory
	Config  *config.Config
	Base    string
}

// StartStack boots the application on a free loopback port with a scratch
// database and registers shutdown with t.Cleanup.
func StartStack(t *testing.T, configure func(*config.Config)) *Stack {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.DatabasePath = filepath.Join(dir, "envios.db")
	cfg.Database.WriteRetryDelay = 10 * time.Millisecond
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = FreePort(t)
	cfg.Connector.AuthDir = filepath.Join(dir, "auth")
	cfg.Connector.CacheDir = filepath.Join(dir, "cache")
	cfg.Admission.BatchDelay = 10 * time.Millisecond
	cfg.Admission.SettleTimeout = 2 * time.Second
	cfg.Session.ReconnectDelay = 20 * time.Millisecond
	if configure != nil {
		configure(cfg)
	}

	factory := connector.NewScriptedFactory()
	application, err := app.NewApplication(cfg, zerolog.Nop(), app.WithConnectorFactory(factory))
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Logf("Stop returned: %v", err)
		}
	})

	return &Stack{
		App:     application,
		Factory: factory,
		Config:  cfg,
		Base:    fmt.Sprintf("http://%s", application.GetAddr()),
	}
}

// FreePort reserves and releases a loopback port.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// PostJSON sends body as JSON and decodes the response into out when non-nil.
func (s *Stack) PostJSON(t *testing.T, path string, body interface{}, out interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}
	resp, err := http.Post(s.Base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

// GetJSON fetches path and decodes the response into out when non-nil.
func (s *Stack) GetJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(s.Base + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

// Subscriber is a push client joined to one tenant.
type Subscriber struct {
	conn   *websocket.Conn
	frames chan types.PushEnvelope
}

// Subscribe dials the push endpoint and joins tenantID.
func (s *Stack) Subscribe(t *testing.T, tenantID string) *Subscriber {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", s.App.GetAddr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial push endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sub := &Subscriber{conn: conn, frames: make(chan types.PushEnvelope, 64)}
	go sub.read()

	join := map[string]interface{}{"event": types.ClientJoinSession, "data": tenantID}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("Failed to join session: %v", err)
	}
	return sub
}

func (sub *Subscriber) read() {
	defer close(sub.frames)
	for {
		var env types.PushEnvelope
		if err := sub.conn.ReadJSON(&env); err != nil {
			return
		}
		sub.frames <- env
	}
}

// Expect waits for the next frame named event, skipping others.
func (sub *Subscriber) Expect(t *testing.T, event string) types.PushEnvelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-sub.frames:
			if !ok {
				t.Fatalf("Push connection closed while waiting for %q", event)
			}
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %q", event)
		}
	}
}

// Eventually polls cond until it holds or three seconds pass.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
