package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/connector"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// mockStore is an in-memory RecordStore.
type mockStore struct {
	mu          sync.Mutex
	records     map[string]*types.TenantRecord
	credentials map[string]map[string][]byte
	deletes     map[string]int
	credWipes   map[string]int
}

func newMockStore() *mockStore {
	return &mockStore{
		records:     make(map[string]*types.TenantRecord),
		credentials: make(map[string]map[string][]byte),
		deletes:     make(map[string]int),
		credWipes:   make(map[string]int),
	}
}

func (m *mockStore) put(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &types.TenantRecord{TenantID: id, DisplayName: "Tenant " + id, Status: types.StatusCreated, CreatedAt: time.Now()}
}

func (m *mockStore) status(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return "", false
	}
	return r.Status, true
}

func (m *mockStore) CreateTenant(ctx context.Context, record *types.TenantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.TenantID]; ok {
		return interfaces.ErrTenantExists
	}
	c := *record
	m.records[record.TenantID] = &c
	return nil
}

func (m *mockStore) GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tenantID]
	if !ok {
		return nil, interfaces.ErrTenantNotFound
	}
	c := *r
	return &c, nil
}

func (m *mockStore) ListTenants(ctx context.Context) ([]*types.TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.TenantRecord
	for _, r := range m.records {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockStore) UpdateTenantStatus(ctx context.Context, tenantID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[tenantID]
	if !ok {
		return interfaces.ErrTenantNotFound
	}
	r.Status = status
	return nil
}

func (m *mockStore) DeleteTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[tenantID]++
	delete(m.records, tenantID)
	delete(m.credentials, tenantID)
	return nil
}

func (m *mockStore) SaveCredential(ctx context.Context, tenantID, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credentials[tenantID] == nil {
		m.credentials[tenantID] = make(map[string][]byte)
	}
	m.credentials[tenantID][name] = data
	return nil
}

func (m *mockStore) LoadCredentials(ctx context.Context, tenantID string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credentials[tenantID], nil
}

func (m *mockStore) DeleteCredentials(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credWipes[tenantID]++
	delete(m.credentials, tenantID)
	return nil
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

type published struct {
	tenantID string
	event    string
	data     interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(tenantID, event string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{tenantID, event, data})
	return nil
}

func (p *recordingPublisher) find(tenantID, event string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.tenantID == tenantID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) hasLog(tenantID, msg string) bool {
	for _, e := range p.find(tenantID, types.PushLog) {
		if s, ok := e.data.(string); ok && s == msg {
			return true
		}
	}
	return false
}

type recordingInbound struct {
	got chan *types.InboundEvent
}

func (r *recordingInbound) HandleInbound(tenantID string, conn interfaces.Connector, msg *types.InboundEvent) {
	r.got <- msg
}

type fixture struct {
	manager   *Manager
	store     *mockStore
	factory   *connector.ScriptedFactory
	publisher *recordingPublisher
}

func testOptions() Options {
	return Options{
		InitTimeout:          2 * time.Second,
		WatchdogGrace:        50 * time.Millisecond,
		ReconnectDelay:       30 * time.Millisecond,
		MaxReconnectAttempts: 5,
		LogoutTimeout:        time.Second,
	}
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMockStore(),
		factory:   connector.NewScriptedFactory(),
		publisher: &recordingPublisher{},
	}
	f.manager = NewManager(f.store, f.factory, f.publisher, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.manager.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return f
}

// start seeds a record and starts its session.
func (f *fixture) start(t *testing.T, id string) *connector.Scripted {
	t.Helper()
	f.store.put(id)
	if err := f.manager.Start(context.Background(), id, false); err != nil {
		t.Fatalf("Start(%s) failed: %v", id, err)
	}
	return f.factory.Latest(id)
}

func (f *fixture) emitReady(t *testing.T, id string, conn *connector.Scripted) {
	t.Helper()
	conn.Emit(types.ConnectorEvent{Kind: types.EventAuthenticated})
	conn.Emit(types.ConnectorEvent{Kind: types.EventReady})
	waitFor(t, "session ready", func() bool {
		snap, ok := f.manager.Snapshot(id)
		return ok && snap.State == types.StateReady
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestManager_PairingPublishesQR(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")

	conn.Emit(types.ConnectorEvent{Kind: types.EventPairing, QR: "2@abcdef"})
	waitFor(t, "qr status", func() bool {
		st, _ := f.store.status("acme")
		return st == types.StatusQR
	})

	status, err := f.manager.Status(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Connected {
		t.Error("Pairing session should not report connected")
	}
	if status.State != "qr" || !status.QRPending {
		t.Errorf("Expected qr state with pending code, got %+v", status)
	}

	qrs := f.publisher.find("acme", types.PushQR)
	if len(qrs) != 1 {
		t.Fatalf("Expected one qr event, got %d", len(qrs))
	}
	if s, _ := qrs[0].data.(string); !strings.HasPrefix(s, "data:image/png;base64,") {
		t.Errorf("Expected data URL, got %q", s)
	}
}

func TestManager_ReadySession(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	status, err := f.manager.Status(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Connected || status.State != "connected" || status.ConnectedAt == nil {
		t.Errorf("Unexpected status: %+v", status)
	}
	if st, _ := f.store.status("acme"); st != types.StatusConnected {
		t.Errorf("Expected record status connected, got %q", st)
	}

	users := f.publisher.find("acme", types.PushConnected)
	if len(users) != 1 {
		t.Fatalf("Expected one connected event, got %d", len(users))
	}
	user, ok := users[0].data.(types.UserData)
	if !ok {
		t.Fatalf("Expected UserData, got %T", users[0].data)
	}
	if user.Name != "Tenant acme" || user.ID != "593900000000@c.us" || user.TenantID != "acme" {
		t.Errorf("Unexpected user data: %+v", user)
	}
	if len(f.publisher.find("acme", types.PushReady)) != 1 {
		t.Error("Expected a ready event")
	}

	info, err := f.manager.UserData(context.Background(), "acme")
	if err != nil || info != user {
		t.Errorf("Expected %+v, got %+v (%v)", user, info, err)
	}
	if _, err := f.manager.UserData(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_TransientDisconnectReconnects(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	conn.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "NETWORK_LOST"})
	waitFor(t, "disconnected record", func() bool {
		st, _ := f.store.status("acme")
		return st == types.StatusDisconnected
	})
	waitFor(t, "old connector destroyed", conn.Destroyed)
	waitFor(t, "replacement connector", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok && f.factory.Created("acme") == 2
	})

	snap, _ := f.manager.Snapshot("acme")
	if snap.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", snap.RetryCount)
	}
	if f.factory.Wipes("acme") != 0 {
		t.Error("Transient disconnect must not wipe artifacts")
	}

	f.emitReady(t, "acme", f.factory.Latest("acme"))
	snap, _ = f.manager.Snapshot("acme")
	if snap.RetryCount != 0 {
		t.Errorf("Ready should reset retry count, got %d", snap.RetryCount)
	}
}

func TestManager_TerminalDisconnectPurges(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	conn.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "logout"})
	waitFor(t, "record removal", func() bool {
		_, ok := f.store.status("acme")
		return !ok
	})

	if f.factory.Wipes("acme") != 1 {
		t.Errorf("Expected artifacts wiped once, got %d", f.factory.Wipes("acme"))
	}
	if _, err := f.manager.Status(context.Background(), "acme"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if !f.publisher.hasLog("acme", "session closed and removed") {
		t.Error("Expected closed log event")
	}

	time.Sleep(5 * testOptions().ReconnectDelay)
	if f.factory.Created("acme") != 1 {
		t.Errorf("Terminal disconnect must not reconnect, created %d", f.factory.Created("acme"))
	}
}

func TestManager_ReconnectBudget(t *testing.T) {
	opts := testOptions()
	opts.MaxReconnectAttempts = 1
	f := newFixture(t, opts)
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	conn.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "NETWORK_LOST"})
	waitFor(t, "first reconnect", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok && f.factory.Created("acme") == 2
	})

	f.factory.Latest("acme").Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "NETWORK_LOST"})
	waitFor(t, "budget exhausted", func() bool {
		return f.publisher.hasLog("acme", "reconnect attempts exhausted")
	})

	time.Sleep(5 * opts.ReconnectDelay)
	if f.factory.Created("acme") != 2 {
		t.Errorf("Expected no further reconnects, created %d", f.factory.Created("acme"))
	}
	if st, _ := f.store.status("acme"); st != types.StatusDisconnected {
		t.Errorf("Expected disconnected record, got %q", st)
	}
}

func TestManager_WatchdogRestartsThenDisconnects(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")

	conn.Emit(types.ConnectorEvent{Kind: types.EventAuthenticated})
	waitFor(t, "watchdog restart", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok && f.factory.Created("acme") == 2
	})
	if snap, _ := f.manager.Snapshot("acme"); snap.RetryCount != 0 {
		t.Errorf("First watchdog restart should not use the reconnect budget, got %d", snap.RetryCount)
	}
	if len(f.publisher.find("acme", types.PushDisconnected)) != 0 {
		t.Error("First watchdog restart should not publish a disconnect")
	}

	f.factory.Latest("acme").Emit(types.ConnectorEvent{Kind: types.EventAuthenticated})
	waitFor(t, "reconnect after second stall", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok && f.factory.Created("acme") == 3
	})

	var reasons []string
	for _, e := range f.publisher.find("acme", types.PushDisconnected) {
		if m, ok := e.data.(map[string]string); ok {
			reasons = append(reasons, m["reason"])
		}
	}
	if len(reasons) != 1 || reasons[0] != ReasonStuckAuthenticated {
		t.Errorf("Expected one %s disconnect, got %v", ReasonStuckAuthenticated, reasons)
	}
	if snap, _ := f.manager.Snapshot("acme"); snap.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", snap.RetryCount)
	}
}

func TestManager_ConcurrentStartKeepsOneConnector(t *testing.T) {
	f := newFixture(t, testOptions())
	f.store.put("acme")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.manager.Start(context.Background(), "acme", false)
			if err != nil && !errors.Is(err, ErrSuperseded) {
				t.Errorf("Unexpected Start error: %v", err)
			}
		}()
	}
	wg.Wait()

	alive := 0
	for _, c := range f.factory.All("acme") {
		if !c.Destroyed() {
			alive++
		}
	}
	if alive != 1 {
		t.Errorf("Expected exactly one live connector, got %d of %d", alive, f.factory.Created("acme"))
	}
	if f.manager.ActiveCount() != 1 {
		t.Errorf("Expected one active session, got %d", f.manager.ActiveCount())
	}
}

func TestManager_RestartReplacesConnector(t *testing.T) {
	f := newFixture(t, testOptions())
	first := f.start(t, "acme")
	f.emitReady(t, "acme", first)

	second := f.start(t, "acme")
	if first == second {
		t.Fatal("Expected a new connector")
	}
	if !first.Destroyed() {
		t.Error("Old connector should be destroyed before the new one starts")
	}
	// Events from the old connector are ignored.
	if first.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "LOGOUT"}) {
		t.Error("Destroyed connector should not accept events")
	}
	if snap, ok := f.manager.Snapshot("acme"); !ok || snap.State != types.StateConnecting {
		t.Errorf("Expected connecting snapshot, got %+v %v", snap, ok)
	}
}

func TestManager_DestroyUnknownTenant(t *testing.T) {
	f := newFixture(t, testOptions())

	if err := f.manager.Destroy(context.Background(), "ghost"); err != nil {
		t.Errorf("Destroy of unknown tenant should succeed: %v", err)
	}
	if f.store.deletes["ghost"] != 1 || f.factory.Wipes("ghost") != 1 {
		t.Error("Destroy should still clear the record and artifacts")
	}
	if len(f.publisher.find("ghost", types.PushDisconnected)) != 0 {
		t.Error("No events should be published for an unknown tenant")
	}
	if err := f.manager.Logout(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound from Logout, got %v", err)
	}
}

func TestManager_DestroyReadySession(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	if err := f.manager.Logout(context.Background(), "acme"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, logouts, _ := conn.Calls(); logouts != 1 {
		t.Errorf("Expected one graceful logout, got %d", logouts)
	}
	if !conn.Destroyed() {
		t.Error("Connector should be destroyed")
	}
	if _, ok := f.store.status("acme"); ok {
		t.Error("Record should be deleted")
	}
	if f.manager.ActiveCount() != 0 {
		t.Error("No sessions should remain")
	}

	if err := f.manager.Destroy(context.Background(), "acme"); err != nil {
		t.Errorf("Second destroy should succeed: %v", err)
	}
}

func TestManager_DestroyReportsTeardownFailure(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)
	conn.FailTeardown(errors.New("logout rejected"), nil)

	err := f.manager.Destroy(context.Background(), "acme")
	if !errors.Is(err, ErrTeardown) {
		t.Fatalf("Expected ErrTeardown, got %v", err)
	}
	if _, ok := f.store.status("acme"); ok {
		t.Error("Record should be deleted despite teardown failure")
	}
	if !conn.Destroyed() {
		t.Error("Connector should still be destroyed")
	}
}

func TestManager_DestroyDuringInitialize(t *testing.T) {
	f := newFixture(t, testOptions())
	f.store.put("acme")
	f.factory.Configure(func(s *connector.Scripted) { s.HoldInitialize() })

	errCh := make(chan error, 1)
	go func() { errCh <- f.manager.Start(context.Background(), "acme", false) }()

	waitFor(t, "connector initializing", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok
	})
	if err := f.manager.Destroy(context.Background(), "acme"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("Expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Destroy")
	}

	conn := f.factory.Latest("acme")
	if _, logouts, _ := conn.Calls(); logouts != 0 {
		t.Error("Connecting session should not be logged out")
	}
	if !conn.Destroyed() {
		t.Error("Connector should be destroyed")
	}
	if _, ok := f.manager.Snapshot("acme"); ok {
		t.Error("No handle should remain")
	}
}

func TestManager_ProtocolCorruptionWipesAndRetries(t *testing.T) {
	f := newFixture(t, testOptions())
	f.store.put("acme")
	_ = f.store.SaveCredential(context.Background(), "acme", "creds.json", []byte("{}"))

	n := 0
	f.factory.Configure(func(s *connector.Scripted) {
		n++
		if n == 1 {
			s.FailInitialize(errors.New("Protocol error (Runtime.callFunctionOn): Session closed."))
		}
	})

	if err := f.manager.Start(context.Background(), "acme", false); err != nil {
		t.Fatalf("Start should recover from corruption: %v", err)
	}
	if f.factory.Created("acme") != 2 {
		t.Errorf("Expected one retry, created %d", f.factory.Created("acme"))
	}
	if f.store.credWipes["acme"] != 1 || f.factory.Wipes("acme") != 1 {
		t.Error("Expected credentials and artifacts wiped once")
	}
	if _, ok := f.store.status("acme"); !ok {
		t.Error("Record must survive a corruption wipe")
	}
}

func TestManager_ProtocolCorruptionRetriesOnce(t *testing.T) {
	f := newFixture(t, testOptions())
	f.store.put("acme")
	f.factory.Configure(func(s *connector.Scripted) {
		s.FailInitialize(errors.New("Protocol error: Target closed"))
	})

	err := f.manager.Start(context.Background(), "acme", false)
	var initErr *ConnectorInitError
	if !errors.As(err, &initErr) || initErr.TenantID != "acme" {
		t.Fatalf("Expected ConnectorInitError, got %v", err)
	}
	if f.factory.Created("acme") != 2 {
		t.Errorf("Expected exactly two attempts, got %d", f.factory.Created("acme"))
	}
	if _, ok := f.manager.Snapshot("acme"); ok {
		t.Error("Failed start should leave no handle")
	}
}

func TestManager_FactoryFailure(t *testing.T) {
	f := newFixture(t, testOptions())
	f.store.put("acme")
	f.factory.FailNew(errors.New("no driver"))

	err := f.manager.Start(context.Background(), "acme", false)
	var initErr *ConnectorInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Expected ConnectorInitError, got %v", err)
	}
	if err := f.manager.Start(context.Background(), "bad id", false); !errors.Is(err, types.ErrInvalidTenantID) {
		t.Errorf("Expected ErrInvalidTenantID, got %v", err)
	}
}

func TestManager_AuthFailureIsTerminal(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")

	conn.Emit(types.ConnectorEvent{Kind: types.EventAuthFailure, Err: errors.New("bad credentials")})
	waitFor(t, "record removal", func() bool {
		_, ok := f.store.status("acme")
		return !ok
	})
	if f.factory.Wipes("acme") != 1 {
		t.Errorf("Expected artifacts wiped, got %d", f.factory.Wipes("acme"))
	}
	waitFor(t, "connector destroyed", conn.Destroyed)
	if !f.publisher.hasLog("acme", "authentication failed") {
		t.Error("Expected auth failure log")
	}
}

func TestManager_InboundRouting(t *testing.T) {
	f := newFixture(t, testOptions())
	handler := &recordingInbound{got: make(chan *types.InboundEvent, 4)}
	f.manager.SetInboundHandler(handler)

	f.store.put("optin")
	if err := f.manager.Start(context.Background(), "optin", true); err != nil {
		t.Fatal(err)
	}
	quiet := f.start(t, "quiet")

	quiet.Emit(types.ConnectorEvent{Kind: types.EventInboundMessage, Message: &types.InboundEvent{MessageID: "q1"}})
	f.factory.Latest("optin").Emit(types.ConnectorEvent{Kind: types.EventInboundMessage, Message: &types.InboundEvent{MessageID: "m1"}})

	select {
	case msg := <-handler.got:
		if msg.MessageID != "m1" {
			t.Errorf("Expected m1, got %s", msg.MessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Inbound message not delivered")
	}
	select {
	case msg := <-handler.got:
		t.Errorf("Unexpected delivery for opted-out tenant: %s", msg.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_RegisterStartsSession(t *testing.T) {
	f := newFixture(t, testOptions())
	record := &types.TenantRecord{TenantID: "acme", DisplayName: "Acme", Status: types.StatusConnected}

	if err := f.manager.Register(context.Background(), record); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if st, _ := f.store.status("acme"); st != types.StatusCreated {
		t.Errorf("Expected created status, got %q", st)
	}
	waitFor(t, "background start", func() bool {
		_, ok := f.manager.Snapshot("acme")
		return ok
	})

	err := f.manager.Register(context.Background(), &types.TenantRecord{TenantID: "acme", DisplayName: "Again"})
	if !errors.Is(err, interfaces.ErrTenantExists) {
		t.Errorf("Expected ErrTenantExists, got %v", err)
	}
	err = f.manager.Register(context.Background(), &types.TenantRecord{TenantID: "x y", DisplayName: "Bad"})
	if !errors.Is(err, types.ErrInvalidTenantID) {
		t.Errorf("Expected ErrInvalidTenantID, got %v", err)
	}
}

func TestManager_RegisterThenDestroy(t *testing.T) {
	f := newFixture(t, testOptions())

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("tenant%d", i)
		if err := f.manager.Register(context.Background(), &types.TenantRecord{TenantID: id, DisplayName: "T"}); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
		if err := f.manager.Destroy(context.Background(), id); err != nil {
			t.Fatalf("Destroy(%s) failed: %v", id, err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.manager.ActiveCount(); n != 0 {
		t.Errorf("Expected no sessions after destroy, got %d", n)
	}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("tenant%d", i)
		if _, ok := f.store.status(id); ok {
			t.Errorf("Record %s should be deleted", id)
		}
		for _, c := range f.factory.All(id) {
			if !c.Destroyed() {
				t.Errorf("Connector for %s outlived its tenant", id)
			}
		}
	}
}

func TestManager_StartWithoutRecord(t *testing.T) {
	f := newFixture(t, testOptions())

	err := f.manager.Start(context.Background(), "ghost", false)
	if !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Fatalf("Expected ErrTenantNotFound, got %v", err)
	}
	if f.factory.Created("ghost") != 0 {
		t.Error("No connector should be built for a deleted tenant")
	}
	if err := f.manager.Logout(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Refused start should leave no slot behind, got %v", err)
	}
}

func TestManager_StaleReconnectTimerIgnored(t *testing.T) {
	opts := testOptions()
	opts.ReconnectDelay = 150 * time.Millisecond
	f := newFixture(t, opts)
	conn := f.start(t, "acme")
	f.emitReady(t, "acme", conn)

	conn.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "NETWORK_LOST"})
	waitFor(t, "disconnected record", func() bool {
		st, _ := f.store.status("acme")
		return st == types.StatusDisconnected
	})

	replacement := f.start(t, "acme")
	time.Sleep(2 * opts.ReconnectDelay)

	if n := f.factory.Created("acme"); n != 2 {
		t.Errorf("Backoff timer from the replaced session should not fire, created %d", n)
	}
	if replacement.Destroyed() {
		t.Error("Explicitly started connector should survive the stale timer")
	}
}

func TestManager_StaleWatchdogIgnored(t *testing.T) {
	opts := testOptions()
	opts.WatchdogGrace = 150 * time.Millisecond
	f := newFixture(t, opts)
	conn := f.start(t, "acme")

	conn.Emit(types.ConnectorEvent{Kind: types.EventAuthenticated})
	waitFor(t, "authenticated record", func() bool {
		st, _ := f.store.status("acme")
		return st == types.StatusAuthenticated
	})

	replacement := f.start(t, "acme")
	time.Sleep(2 * opts.WatchdogGrace)

	if n := f.factory.Created("acme"); n != 2 {
		t.Errorf("Watchdog from the replaced session should not restart, created %d", n)
	}
	if replacement.Destroyed() {
		t.Error("Explicitly started connector should survive the stale watchdog")
	}
	if f.publisher.hasLog("acme", "session stuck loading, restarting") {
		t.Error("Stale watchdog should not report a stuck session")
	}
}

func TestManager_WaitSettled(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn.Emit(types.ConnectorEvent{Kind: types.EventPairing, QR: "ref"})
	}()
	state, err := f.manager.WaitSettled(context.Background(), "acme")
	if err != nil || state != types.StateQRPending {
		t.Errorf("Expected qr state, got %v (%v)", state, err)
	}

	f.start(t, "slow")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.manager.WaitSettled(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	if _, err := f.manager.WaitSettled(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestManager_WaitSettledTerminal(t *testing.T) {
	f := newFixture(t, testOptions())
	conn := f.start(t, "acme")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.WaitSettled(context.Background(), "acme")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	conn.Emit(types.ConnectorEvent{Kind: types.EventDisconnected, Reason: "UNPAIRED"})

	select {
	case err := <-errCh:
		var terminal *TerminalDisconnectError
		if errors.As(err, &terminal) {
			if terminal.Reason != "UNPAIRED" {
				t.Errorf("Expected UNPAIRED, got %s", terminal.Reason)
			}
		} else if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected terminal error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitSettled did not return")
	}
}

func TestManager_Shutdown(t *testing.T) {
	f := newFixture(t, testOptions())
	a := f.start(t, "a")
	b := f.start(t, "b")
	f.emitReady(t, "a", a)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !a.Destroyed() || !b.Destroyed() {
		t.Error("All connectors should be destroyed")
	}
	if _, logouts, _ := a.Calls(); logouts != 0 {
		t.Error("Shutdown must not log sessions out")
	}
	if _, ok := f.store.status("a"); !ok {
		t.Error("Shutdown must keep records")
	}
	if err := f.manager.Start(context.Background(), "a", false); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
	if err := f.manager.Register(context.Background(), &types.TenantRecord{TenantID: "c", DisplayName: "C"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown from Register, got %v", err)
	}
}

func TestManager_IsTerminalReason(t *testing.T) {
	m := NewManager(newMockStore(), connector.NewScriptedFactory(), nil, testOptions(), zerolog.Nop())
	tests := []struct {
		reason string
		want   bool
	}{
		{"LOGOUT", true},
		{"logout", true},
		{"Unpaired", true},
		{"CONFLICT", true},
		{"DEPRECATED_VERSION", true},
		{"UNLAUNCHED", true},
		{"NETWORK_LOST", false},
		{ReasonStuckAuthenticated, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := m.IsTerminalReason(tt.reason); got != tt.want {
			t.Errorf("IsTerminalReason(%q) = %v, expected %v", tt.reason, got, tt.want)
		}
	}
}
