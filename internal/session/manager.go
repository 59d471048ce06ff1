package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/internal/connector"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

const (
	persistTimeout = 5 * time.Second
	purgeTimeout   = 10 * time.Second
	profileTimeout = 5 * time.Second
	settlePoll     = 100 * time.Millisecond
)

// DefaultTerminalReasons are disconnect reasons that are never retried.
var DefaultTerminalReasons = []string{"LOGOUT", "UNPAIRED", "UNLAUNCHED", "CONFLICT", "DEPRECATED_VERSION"}

// InboundHandler receives inbound messages for tenants that opted in.
// HandleInbound must not block.
type InboundHandler interface {
	HandleInbound(tenantID string, conn interfaces.Connector, msg *types.InboundEvent)
}

// Options tunes timing and retry policy.
type Options struct {
	InitTimeout          time.Duration
	WatchdogGrace        time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	LogoutTimeout        time.Duration
	TerminalReasons      []string
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Session)
}

func OptionsFromConfig(cfg *config.SessionConfig) Options {
	return Options{
		InitTimeout:          cfg.InitTimeout,
		WatchdogGrace:        cfg.WatchdogGrace,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		LogoutTimeout:        cfg.LogoutTimeout,
		TerminalReasons:      DefaultTerminalReasons,
	}
}

// Snapshot is the cached view of a tenant's session, without a live query.
type Snapshot struct {
	State       types.SessionState
	QR          string
	ConnectedAt *time.Time
	RetryCount  int
}

// Manager owns every tenant's session. The map lock is held only to find or
// remove a slot; all per-tenant work runs under the slot's own lock, and
// connector initialization and live-state queries run with no lock held.
type Manager struct {
	store     interfaces.RecordStore
	factory   interfaces.ConnectorFactory
	publisher interfaces.EventPublisher
	inbound   InboundHandler
	opts      Options
	log       zerolog.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	closing bool
	wg      sync.WaitGroup
}

func NewManager(store interfaces.RecordStore, factory interfaces.ConnectorFactory, publisher interfaces.EventPublisher, opts Options, log zerolog.Logger) *Manager {
	if len(opts.TerminalReasons) == 0 {
		opts.TerminalReasons = DefaultTerminalReasons
	}
	return &Manager{
		store:     store,
		factory:   factory,
		publisher: publisher,
		opts:      opts,
		log:       log.With().Str("component", "session").Logger(),
		slots:     make(map[string]*slot),
	}
}

// SetInboundHandler installs the relay. Call before any session starts.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.inbound = h
}

// IsTerminalReason reports whether a disconnect reason ends the session for good.
func (m *Manager) IsTerminalReason(reason string) bool {
	for _, r := range m.opts.TerminalReasons {
		if strings.EqualFold(r, reason) {
			return true
		}
	}
	return false
}

// Register persists a new tenant with status "created" and starts its
// session in the background. The tenant's slot is claimed before Register
// returns, so a Destroy that follows supersedes the background start.
func (m *Manager) Register(ctx context.Context, record *types.TenantRecord) error {
	if m.isClosing() {
		return ErrShuttingDown
	}
	record.Status = types.StatusCreated
	if err := record.Validate(); err != nil {
		return err
	}
	if err := m.store.CreateTenant(ctx, record); err != nil {
		return err
	}

	s, _, err := m.claimSlot(record.TenantID)
	if err != nil {
		return err
	}
	s.receiveInbound = record.ReceiveInbound
	s.retryCount = 0
	s.watchdogUsed = false
	s.epoch++
	expect := s.epoch
	s.mu.Unlock()

	if !m.enter() {
		return ErrShuttingDown
	}
	go func() {
		defer m.wg.Done()
		if _, err := m.launch(context.Background(), record.TenantID, record.ReceiveInbound, expect); err != nil && !isBenign(err) {
			m.log.Error().Err(err).Str("tenant_id", record.TenantID).Msg("initial session start failed")
			m.publish(record.TenantID, types.PushLog, "failed to initialize session")
		}
	}()
	return nil
}

// Start creates a fresh session for tenantID, tearing down any existing one
// first. It returns once the connector has initialized; pairing and readiness
// arrive later as events. A tenant whose record is gone is refused with
// interfaces.ErrTenantNotFound.
func (m *Manager) Start(ctx context.Context, tenantID string, receiveInbound bool) error {
	if !types.IsValidTenantID(tenantID) {
		return types.ErrInvalidTenantID
	}
	_, err := m.launch(ctx, tenantID, receiveInbound, 0)
	return err
}

// launch runs one attempt and, if it fails with protocol corruption, wipes
// the tenant's credentials and tries once more. expect is the epoch the
// caller observed; zero means a fresh attempt sequence.
func (m *Manager) launch(ctx context.Context, tenantID string, receiveInbound bool, expect uint64) (uint64, error) {
	wiped := false
	for {
		epoch, err := m.attempt(ctx, tenantID, receiveInbound, expect)
		if err == nil {
			return epoch, nil
		}
		if isBenign(err) || errors.Is(err, interfaces.ErrTenantNotFound) {
			return epoch, err
		}
		if !wiped && connector.IsProtocolCorruption(err) {
			wiped = true
			m.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("session storage corrupt, wiping and retrying")
			m.wipeCredentials(tenantID)
			expect = epoch
			continue
		}
		return epoch, &ConnectorInitError{TenantID: tenantID, Err: err}
	}
}

func (m *Manager) attempt(ctx context.Context, tenantID string, receiveInbound bool, expect uint64) (uint64, error) {
	s, err := m.lockSlot(tenantID, expect)
	if err != nil {
		return 0, err
	}

	if expect == 0 {
		if m.recordGone(ctx, tenantID) {
			if s.handle == nil && s.timer == nil {
				m.removeSlotLocked(s)
			}
			s.mu.Unlock()
			return 0, interfaces.ErrTenantNotFound
		}
		s.receiveInbound = receiveInbound
		s.retryCount = 0
		s.watchdogUsed = false
	}
	s.terminalReason = ""
	s.epoch++
	epoch := s.epoch
	s.stopTimer()

	if old := s.handle; old != nil {
		s.dropHandleLocked(old, types.StateDestroyed)
		m.destroyNow(old.conn)
	}

	conn, err := m.factory.New(tenantID)
	if err != nil {
		s.mu.Unlock()
		return epoch, err
	}

	initCtx, cancel := context.WithTimeout(ctx, m.opts.InitTimeout)
	h := newHandle(epoch, conn, cancel)
	s.handle = h
	m.wg.Add(1)
	go m.pump(s, h)
	s.mu.Unlock()

	m.log.Info().Str("tenant_id", tenantID).Uint64("epoch", epoch).Msg("starting session")
	err = conn.Initialize(initCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return epoch, ErrSuperseded
	}
	if err != nil {
		s.dropHandleLocked(h, types.StateDisconnected)
		m.destroyAsync(conn)
		return epoch, err
	}
	return epoch, nil
}

// lockSlot returns the tenant's slot locked. With a non-zero expect the slot
// must already exist with that epoch.
func (m *Manager) lockSlot(tenantID string, expect uint64) (*slot, error) {
	for {
		var s *slot
		if expect == 0 {
			s = m.slotFor(tenantID)
		} else {
			s = m.lookup(tenantID)
		}
		if s == nil {
			if m.isClosing() {
				return nil, ErrShuttingDown
			}
			return nil, ErrSuperseded
		}

		s.mu.Lock()
		if m.isClosing() {
			s.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if s.removed {
			s.mu.Unlock()
			if expect != 0 {
				return nil, ErrSuperseded
			}
			continue
		}
		if expect != 0 && s.epoch != expect {
			s.mu.Unlock()
			return nil, ErrSuperseded
		}
		return s, nil
	}
}

func (m *Manager) pump(s *slot, h *handle) {
	defer m.wg.Done()
	for ev := range h.conn.Events() {
		m.handleEvent(s, h, ev)
	}
}

// Status reports the tenant's session, asking the connector whether it is
// actually connected.
func (m *Manager) Status(ctx context.Context, tenantID string) (*types.SessionStatus, error) {
	s := m.lookup(tenantID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	status := &types.SessionStatus{
		State:       h.state.String(),
		QRPending:   h.qr != "",
		ConnectedAt: copyTime(h.connectedAt),
		RetryCount:  s.retryCount,
	}
	conn := h.conn
	s.mu.Unlock()

	live, err := conn.LiveState(ctx)
	if err != nil {
		m.log.Debug().Err(err).Str("tenant_id", tenantID).Msg("live state query failed")
		return status, nil
	}
	status.LiveState = live
	status.Connected = live == types.LiveStateConnected
	return status, nil
}

// Snapshot returns the cached session view, or false when the tenant has no
// live handle.
func (m *Manager) Snapshot(tenantID string) (Snapshot, bool) {
	s := m.lookup(tenantID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		State:       s.handle.state,
		QR:          s.handle.qr,
		ConnectedAt: copyTime(s.handle.connectedAt),
		RetryCount:  s.retryCount,
	}, true
}

// Connector returns the tenant's live connector and its cached state.
func (m *Manager) Connector(tenantID string) (interfaces.Connector, types.SessionState, error) {
	s := m.lookup(tenantID)
	if s == nil {
		return nil, types.StateIdle, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, types.StateDisconnected, ErrSessionNotFound
	}
	return s.handle.conn, s.handle.state, nil
}

// UserData returns the metadata published when the tenant connected. The
// connector is queried with no lock held.
func (m *Manager) UserData(ctx context.Context, tenantID string) (types.UserData, error) {
	s := m.lookup(tenantID)
	if s == nil {
		return types.UserData{}, ErrSessionNotFound
	}
	s.mu.Lock()
	if s.handle == nil {
		s.mu.Unlock()
		return types.UserData{}, ErrSessionNotFound
	}
	conn := s.handle.conn
	recv := s.receiveInbound
	s.mu.Unlock()

	return m.buildUserData(ctx, tenantID, recv, conn), nil
}

// Destroy logs the tenant out, force-destroys its connector and removes its
// record and artifacts. It succeeds for unknown tenants. Connector failures
// are reported wrapped in ErrTeardown after cleanup has completed.
func (m *Manager) Destroy(ctx context.Context, tenantID string) error {
	var teardownErr error
	var hadSession bool

	s, created, err := m.claimSlot(tenantID)
	if err != nil {
		m.purge(tenantID)
	} else {
		hadSession = !created
		s.epoch++
		s.terminalReason = "DESTROYED"
		h := s.handle
		if h != nil {
			graceful := h.state == types.StateAuthenticated || h.state == types.StateReady
			s.dropHandleLocked(h, types.StateDestroyed)
			teardownErr = m.teardown(ctx, h.conn, graceful)
		}
		s.stopTimer()
		m.removeSlotLocked(s)
		// The record goes while the slot is held so a fresh Start either
		// ran before us or finds no record.
		m.purge(tenantID)
		s.mu.Unlock()
	}

	if hadSession {
		m.publishClosed(tenantID)
	}

	if teardownErr != nil {
		m.log.Warn().Err(teardownErr).Str("tenant_id", tenantID).Msg("connector teardown reported errors")
		return fmt.Errorf("%w: %v", ErrTeardown, teardownErr)
	}
	m.log.Info().Str("tenant_id", tenantID).Msg("session destroyed")
	return nil
}

// Logout is Destroy for a tenant that must currently be known.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	if m.lookup(tenantID) == nil {
		return ErrSessionNotFound
	}
	return m.Destroy(ctx, tenantID)
}

// WaitSettled blocks until the tenant's session shows a QR code or is ready,
// ctx ends, or the session terminates.
func (m *Manager) WaitSettled(ctx context.Context, tenantID string) (types.SessionState, error) {
	s := m.lookup(tenantID)
	if s == nil {
		return types.StateIdle, ErrSessionNotFound
	}

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if s.removed {
			reason := s.terminalReason
			s.mu.Unlock()
			return types.StateTerminal, &TerminalDisconnectError{Reason: reason}
		}
		var settled chan struct{}
		state := types.StateDisconnected
		if s.handle != nil {
			settled = s.handle.settled
			state = s.handle.state
		}
		s.mu.Unlock()

		if settled != nil {
			select {
			case <-settled:
				if st, ok := m.currentState(s); ok {
					return st, nil
				}
				continue
			default:
			}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-settled:
		case <-ticker.C:
		}
	}
}

func (m *Manager) currentState(s *slot) (types.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return types.StateDisconnected, false
	}
	return s.handle.state, true
}

// HasSession reports whether the tenant currently holds a connector.
func (m *Manager) HasSession(tenantID string) bool {
	_, ok := m.Snapshot(tenantID)
	return ok
}

// ActiveCount returns how many tenants currently hold a connector.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	count := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.handle != nil {
			count++
		}
		s.mu.Unlock()
	}
	return count
}

// Shutdown refuses new work, destroys every connector concurrently and waits
// for background goroutines until ctx ends. Records and credentials are kept
// so sessions resume on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	m.log.Info().Int("sessions", len(slots)).Msg("shutting down sessions")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		g.Go(func() error {
			s.mu.Lock()
			s.epoch++
			h := s.handle
			if h != nil {
				s.dropHandleLocked(h, types.StateDestroyed)
			}
			s.stopTimer()
			s.mu.Unlock()

			if h == nil {
				return nil
			}
			dctx, cancel := context.WithTimeout(gctx, m.opts.LogoutTimeout)
			defer cancel()
			if err := h.conn.Destroy(dctx); err != nil {
				m.log.Warn().Err(err).Str("tenant_id", s.tenantID).Msg("connector destroy failed during shutdown")
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Msg("sessions stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown incomplete: %w", ctx.Err())
	}
}

func (m *Manager) slotFor(tenantID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil
	}
	s, ok := m.slots[tenantID]
	if !ok {
		s = &slot{tenantID: tenantID}
		m.slots[tenantID] = s
	}
	return s
}

// claimSlot returns the tenant's slot locked, creating it when absent.
// created reports whether it had to be created.
func (m *Manager) claimSlot(tenantID string) (*slot, bool, error) {
	for {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return nil, false, ErrShuttingDown
		}
		s, ok := m.slots[tenantID]
		if !ok {
			s = &slot{tenantID: tenantID}
			m.slots[tenantID] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if s.removed {
			s.mu.Unlock()
			continue
		}
		return s, !ok, nil
	}
}

func (m *Manager) lookup(tenantID string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[tenantID]
}

// removeSlotLocked must be called with s.mu held.
func (m *Manager) removeSlotLocked(s *slot) {
	s.removed = true
	m.mu.Lock()
	if m.slots[s.tenantID] == s {
		delete(m.slots, s.tenantID)
	}
	m.mu.Unlock()
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// enter registers a background goroutine unless shutdown has begun.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	return true
}

// teardown optionally logs out, then destroys the connector.
func (m *Manager) teardown(ctx context.Context, conn interfaces.Connector, graceful bool) error {
	var errs []error
	if graceful {
		lctx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
		if err := conn.Logout(lctx); err != nil {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
		cancel()
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
	defer cancel()
	if err := conn.Destroy(dctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy: %w", err))
	}
	return errors.Join(errs...)
}

// destroyNow tears a connector down synchronously, logging failures.
func (m *Manager) destroyNow(conn interfaces.Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LogoutTimeout)
	defer cancel()
	if err := conn.Destroy(ctx); err != nil {
		m.log.Warn().Err(err).Msg("connector destroy failed")
	}
}

// destroyAsync is destroyNow off the caller's goroutine. Only call it from a
// goroutine already counted in m.wg or while holding a slot lock.
func (m *Manager) destroyAsync(conn interfaces.Connector) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.destroyNow(conn)
	}()
}

// recordGone reports whether the tenant's record is known to be deleted.
// Lookup failures other than not-found do not block a start.
func (m *Manager) recordGone(ctx context.Context, tenantID string) bool {
	rctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	_, err := m.store.GetTenant(rctx, tenantID)
	if err != nil && !errors.Is(err, interfaces.ErrTenantNotFound) {
		m.log.Debug().Err(err).Str("tenant_id", tenantID).Msg("tenant lookup failed before start")
	}
	return errors.Is(err, interfaces.ErrTenantNotFound)
}

func (m *Manager) persist(tenantID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.UpdateTenantStatus(ctx, tenantID, status); err != nil {
		if errors.Is(err, interfaces.ErrTenantNotFound) {
			m.log.Debug().Str("tenant_id", tenantID).Str("status", status).Msg("status update for unknown tenant")
			return
		}
		m.log.Error().Err(err).Str("tenant_id", tenantID).Str("status", status).Msg("failed to persist status")
	}
}

// purge removes the record, credential blobs and on-disk artifacts.
func (m *Manager) purge(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if err := m.store.DeleteTenant(ctx, tenantID); err != nil {
		m.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to delete tenant record")
	}
	if err := m.factory.WipeArtifacts(tenantID); err != nil {
		m.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to wipe session artifacts")
	}
}

// wipeCredentials clears stored credentials but keeps the record.
func (m *Manager) wipeCredentials(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()
	if err := m.store.DeleteCredentials(ctx, tenantID); err != nil {
		m.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to delete credentials")
	}
	if err := m.factory.WipeArtifacts(tenantID); err != nil {
		m.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to wipe session artifacts")
	}
}

func (m *Manager) publish(tenantID, event string, data interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(tenantID, event, data); err != nil {
		m.log.Debug().Err(err).Str("tenant_id", tenantID).Str("event", event).Msg("publish failed")
	}
}

func (m *Manager) publishClosed(tenantID string) {
	m.publish(tenantID, types.PushDisconnected, nil)
	m.publish(tenantID, types.PushLog, "session closed and removed")
	m.publish(tenantID, types.PushQRStatus, types.QRStatusDisconnected)
}

// isBenign reports errors that mean another operation took over the tenant.
func isBenign(err error) bool {
	return errors.Is(err, ErrSuperseded) || errors.Is(err, ErrShuttingDown)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
